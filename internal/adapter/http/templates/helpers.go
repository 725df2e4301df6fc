package templates

import (
	"fmt"
	"strings"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

// JobTitle prefers the series episode label, then the title, then the
// input path.
func JobTitle(job *domain.Job) string {
	m := job.Metadata
	switch {
	case m.SeriesTitle != "":
		return fmt.Sprintf("%s S%02dE%02d", m.SeriesTitle, m.SeasonNumber, m.EpisodeNumber)
	case m.Title != "":
		return m.Title
	}
	return job.InputPath
}

func jobDetails(job *domain.Job) string {
	details := job.OutputPath
	switch {
	case job.Stage == domain.StageFailed:
		details = job.ErrorMessage
	case job.Stage == domain.StageTranscoding && job.ETA > 0:
		details = fmt.Sprintf("about %s left", domain.FormatDuration(float64(job.ETA)))
	}
	return strings.TrimSpace(details)
}
