// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/edittrack/cmd/edittrack/config"
	"github.com/AleutianAI/edittrack/pkg/tracking"
	"github.com/AleutianAI/edittrack/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	assumeYes        bool
	nonInteractive   bool
	logLevel         string

	loadedConfig config.EdittrackConfig

	statsDay    string
	toolIDs     []int64
	setDateDay  string
	watchListen string
	watchTrack  bool

	rootCmd = &cobra.Command{
		Use:   "edittrack",
		Short: "Track which records of a vector layer were edited, and when",
		Long: `edittrack keeps an edit tag and an edit date on every record of a
GeoJSON file or SQLite table, stamps records as they change, and reports
how much of the layer has been edited.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadRunConfig,
	}

	statsCmd = &cobra.Command{
		Use:   "stats <layer>",
		Short: "Show the tagging statistics of a layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runStats(ctx, a, args[0], statsDay)
			})
		},
	}

	trackCmd = &cobra.Command{
		Use:   "track <layer>",
		Short: "Enable edit tracking on a layer and remember its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runTrack(ctx, a, args[0])
			})
		},
	}

	sourcesCmd = &cobra.Command{
		Use:   "sources",
		Short: "List the sources tracking was ever enabled on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(_ context.Context, a *app) error {
				return runSources(a)
			})
		},
	}

	createFieldsCmd = &cobra.Command{
		Use:   "create-fields <layer>",
		Short: "Add the edit tag and edit date fields and initialise every record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runCreateFields(ctx, a, args[0])
			})
		},
	}

	markCmd = &cobra.Command{
		Use:   "mark <layer> --ids 1,2,3",
		Short: "Mark the given records as edited today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runMark(ctx, a, args[0], recordIDs(toolIDs))
			})
		},
	}

	setDateCmd = &cobra.Command{
		Use:   "set-date <layer> --ids 1,2,3 --date YYYY-MM-DD",
		Short: "Set the edit date of the given records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runSetDate(ctx, a, args[0], recordIDs(toolIDs), setDateDay)
			})
		},
	}

	removeNullGeometryCmd = &cobra.Command{
		Use:   "remove-null-geometry <layer>",
		Short: "Delete every record without a geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runRemoveNullGeometry(ctx, a, args[0])
			})
		},
	}

	selectNullCmd = &cobra.Command{
		Use:   "select-null <layer>",
		Short: "List the records with a missing or inconsistent tag or date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				return runSelectNull(ctx, a, args[0])
			})
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch <layer>",
		Short: "Follow a layer while it is edited, stamping changed records",
		Long: `watch opens an edit session on the layer and follows its file. Records
whose geometry changes or that are added are stamped as edited today, the
layer is saved, and live statistics are shown. When tracking was enabled on
this source before, you are asked whether to resume it. Press Ctrl-C to stop
editing and commit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := loadedConfig.API.Listen
			if cmd.Flags().Changed("listen") {
				listen = watchListen
			}
			console := ux.Std()
			opts := appOptions{
				console: console,
				publish: func(r tracking.StatsReport) { console.Stats(r) },
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runWatch(ctx, a, args[0], listen, watchTrack)
			})
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "edittrack "+version)
		},
	}
)

func init() {
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.edittrack/edittrack.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false,
		"Answer yes to every question")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false,
		"Never ask questions; treat them as declined")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")

	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsDay, "day", "", "Reference day YYYY-MM-DD for day_count (default today)")

	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(createFieldsCmd)

	rootCmd.AddCommand(markCmd)
	markCmd.Flags().Int64SliceVar(&toolIDs, "ids", nil, "Record ids, comma separated")
	_ = markCmd.MarkFlagRequired("ids")

	rootCmd.AddCommand(setDateCmd)
	setDateCmd.Flags().Int64SliceVar(&toolIDs, "ids", nil, "Record ids, comma separated")
	setDateCmd.Flags().StringVar(&setDateDay, "date", "", "Edit date YYYY-MM-DD")
	_ = setDateCmd.MarkFlagRequired("ids")
	_ = setDateCmd.MarkFlagRequired("date")

	rootCmd.AddCommand(removeNullGeometryCmd)
	rootCmd.AddCommand(selectNullCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "HTTP API address, empty to disable (default from config)")
	watchCmd.Flags().BoolVar(&watchTrack, "track", false, "Enable tracking immediately instead of only resuming it")

	rootCmd.AddCommand(versionCmd)
}

// loadRunConfig loads the config file and applies the global flags.
func loadRunConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("yes") {
		cfg.UI.AssumeYes = assumeYes
	}
	if flags.Changed("non-interactive") {
		cfg.UI.NonInteractive = nonInteractive
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("personality") {
		cfg.UI.Personality = personalityLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	loadedConfig = cfg

	if personalityLevel != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality(cfg.UI.Personality)
	}
	return nil
}

// withApp runs fn with an app built from the loaded config.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, loadedConfig, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func recordIDs(ids []int64) []tracking.RecordID {
	out := make([]tracking.RecordID, len(ids))
	for i, id := range ids {
		out[i] = tracking.RecordID(id)
	}
	return out
}
