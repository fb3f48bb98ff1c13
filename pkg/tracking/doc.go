// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracking keeps an edit provenance flag and date on the records of
// host-owned vector collections.
//
// Each tracked collection carries two attributes: "edited" (integer 0/1)
// and "edited_dat" (calendar date of the first edit). While tracking is on
// and the collection is in an edit session, a geometry change stamps an
// untagged record with tag 1 and today's date, and every newly added record
// is stamped unconditionally. A debounced aggregation pass classifies every
// record of the active collection and publishes counts.
//
// Components, leaf first:
//
//	Classify           pure tag/date/geometry classifier
//	EnsureSchema       idempotent creation of the two attributes
//	Binding            stamping reactions for one collection
//	Registry           tracked set, binding table, prompted set
//	SessionController  at most one resume prompt per edit session
//	Aggregator         trailing debounce of stats refreshes
//	Engine             the façade the host and the user tools talk to
//
// The package owns no storage. Collections, the host and the persisted
// set of previously tracked sources are interfaces implemented elsewhere.
package tracking
