// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/charmbracelet/lipgloss"
)

// StatusLine returns the one-line text shown when a report carries no
// counts.
func StatusLine(r tracking.StatsReport) string {
	switch r.Status {
	case tracking.StatusNoActiveCollection:
		return "No active layer"
	case tracking.StatusNotApplicable:
		return fmt.Sprintf("%s: not applicable (not a vector layer)", r.CollectionName)
	case tracking.StatusTrackingOff:
		return fmt.Sprintf("%s: edit tracking is OFF", r.CollectionName)
	case tracking.StatusSchemaMissing:
		return fmt.Sprintf("%s: fields missing (%s, %s)", r.CollectionName, tracking.TagField, tracking.DateField)
	case tracking.StatusFailed:
		return fmt.Sprintf("%s: stats unavailable: %s", r.CollectionName, r.Error)
	default:
		return fmt.Sprintf("%s: %d features", r.CollectionName, r.Stats.Total)
	}
}

// RenderStats renders a StatsReport for the current personality level.
//
// Description:
//
//	Machine mode yields a single "STATS key=value ..." line. Other levels
//	yield a panel with the counts; full mode adds an edited progress bar.
func RenderStats(r tracking.StatsReport) string {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		return machineStats(r)
	}
	if r.Status != tracking.StatusReady {
		return Styles.Muted.Render(StatusLine(r))
	}

	s := r.Stats
	day := r.ReferenceDay.String()
	lines := []string{
		fmt.Sprintf("Total features     %s", Styles.Bold.Render(fmt.Sprint(s.Total))),
		fmt.Sprintf("Edited             %s", Styles.Success.Render(fmt.Sprint(s.Edited))),
		fmt.Sprintf("Not edited         %d", s.NotEdited),
		fmt.Sprintf("Edited on %s %d", day, s.DayCount),
		fmt.Sprintf("Null geometry      %s", countStyle(s.NullGeometry).Render(fmt.Sprint(s.NullGeometry))),
		fmt.Sprintf("Null attributes    %s", countStyle(s.NullAttributes).Render(fmt.Sprint(s.NullAttributes))),
	}
	if p.ShowBreakdown && s.NullAttributes > 0 {
		lines = append(lines, Styles.Muted.Render(fmt.Sprintf(
			"  %s no tag %d  %s invalid tag %d  %s no date %d",
			IconBullet, s.NullTag, IconBullet, s.InvalidTag, IconBullet, s.TagSetNoDate)))
	}
	if p.Level == PersonalityMinimal {
		return strings.Join(append([]string{r.CollectionName}, lines...), "\n")
	}
	if p.Level == PersonalityFull && s.Total > 0 {
		lines = append(lines, "", ProgressBar(s.Edited, s.Total, 30))
	}
	title := Styles.Title.Render("Edit tracking · " + r.CollectionName)
	return Styles.Box.Width(60).Render(title + "\n" + strings.Join(lines, "\n"))
}

func machineStats(r tracking.StatsReport) string {
	if r.Status != tracking.StatusReady {
		return fmt.Sprintf("STATS status=%s layer=%q", r.Status, r.CollectionName)
	}
	s := r.Stats
	return fmt.Sprintf(
		"STATS status=%s layer=%q total=%d edited=%d not_edited=%d day=%s day_count=%d null_geometry=%d null_attributes=%d null_tag=%d invalid_tag=%d tag_set_no_date=%d",
		r.Status, r.CollectionName, s.Total, s.Edited, s.NotEdited, r.ReferenceDay, s.DayCount,
		s.NullGeometry, s.NullAttributes, s.NullTag, s.InvalidTag, s.TagSetNoDate)
}

func countStyle(n int) lipgloss.Style {
	if n > 0 {
		return Styles.Warning
	}
	return Styles.Muted
}

// Stats prints a StatsReport.
func (c *Console) Stats(r tracking.StatsReport) {
	c.write(c.out, RenderStats(r))
}

// Sources prints the previously tracked sources, one per line.
func (c *Console) Sources(keys []string) {
	if len(keys) == 0 {
		if GetPersonality().Level != PersonalityMachine {
			c.write(c.out, Styles.Muted.Render("No previously tracked sources"))
		}
		return
	}
	for _, k := range keys {
		if GetPersonality().Level == PersonalityMachine {
			c.write(c.out, k)
			continue
		}
		c.write(c.out, IconBullet.Render()+" "+k)
	}
}
