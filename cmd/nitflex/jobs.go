package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AdlarX9/nitflex-sub000/internal/client"
	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

func newJobsCommand(opts *options) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage transcoding jobs",
	}

	jobsCmd.AddCommand(newJobsListCommand(opts))
	jobsCmd.AddCommand(newJobsSubmitCommand(opts))
	jobsCmd.AddCommand(newJobsCancelCommand(opts))
	jobsCmd.AddCommand(newJobsRetryCommand(opts))
	jobsCmd.AddCommand(newJobsDeleteCommand(opts))

	return jobsCmd
}

func newJobsListCommand(opts *options) *cobra.Command {
	var (
		active bool
		stages []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			listOpts := client.ListOptions{Active: active, Limit: limit}
			for _, s := range stages {
				st := domain.Stage(strings.TrimSpace(s))
				if !st.Valid() {
					return fmt.Errorf("unknown stage %q", s)
				}
				listOpts.Stages = append(listOpts.Stages, st)
			}

			jobs, err := c.List(cmd.Context(), listOpts)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "Only show jobs that have not finished")
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Only show jobs in these stages")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to show")
	return cmd
}

func renderJobs(jobs []*domain.Job, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortID(j.ID),
			jobTitle(j),
			string(j.Stage),
			fmt.Sprintf("%.1f%%", j.Progress),
			formatETA(j),
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			j.ErrorMessage,
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Stage", "Progress", "ETA", "Created", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func jobTitle(j *domain.Job) string {
	m := j.Metadata
	switch {
	case j.Type == domain.JobTypeEpisode && m.SeriesTitle != "":
		return fmt.Sprintf("%s S%02dE%02d", m.SeriesTitle, m.SeasonNumber, m.EpisodeNumber)
	case m.Title != "":
		return m.Title
	}
	return j.InputPath
}

func formatETA(j *domain.Job) string {
	if j.Stage != domain.StageTranscoding || j.ETA <= 0 {
		return "-"
	}
	return domain.FormatDuration(float64(j.ETA))
}

func newJobsSubmitCommand(opts *options) *cobra.Command {
	var (
		episode bool
		spec    domain.JobSpec
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "submit <input>",
		Short: "Submit a file for transcoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.InputPath = args[0]
			spec.Type = domain.JobTypeMovie
			if episode {
				spec.Type = domain.JobTypeEpisode
			}
			spec.TranscodeMode = domain.TranscodeMode(mode)
			if err := spec.Validate(); err != nil {
				return err
			}

			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			id, err := c.Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&episode, "episode", false, "Submit as a series episode")
	flags.StringVar(&mode, "mode", string(domain.TranscodeModeServer), "Transcode mode: server, local or none")
	flags.StringVar(&spec.Metadata.Title, "title", "", "Title")
	flags.StringVar(&spec.Metadata.Year, "year", "", "Release year")
	flags.StringVar(&spec.Metadata.SeriesTitle, "series", "", "Series title")
	flags.IntVar(&spec.Metadata.SeasonNumber, "season", 0, "Season number")
	flags.IntVar(&spec.Metadata.EpisodeNumber, "number", 0, "Episode number")
	flags.IntVar(&spec.TmdbID, "tmdb", 0, "TMDB id")
	flags.IntSliceVar(&spec.TranscodeOptions.AudioStreams, "audio", nil, "Audio stream ordinals to keep")
	flags.IntSliceVar(&spec.TranscodeOptions.SubtitleStreams, "subtitles", nil, "Subtitle stream ordinals to keep")
	flags.IntVar(&spec.TranscodeOptions.CRF, "crf", 0, "Software encoder CRF")
	flags.StringVar(&spec.TranscodeOptions.Preset, "preset", "", "Software encoder preset")
	return cmd
}

func newJobsCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or transcoding job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			job, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Stage)
			return nil
		},
	}
}

func newJobsRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Resubmit a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			id, err := c.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newJobsDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a finished job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
