// Package storetest holds the behaviour every port.JobStore must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Spec(title string) domain.JobSpec {
	return domain.JobSpec{
		Type:             domain.JobTypeMovie,
		MediaID:          "media-" + title,
		TmdbID:           42,
		InputPath:        "/uploads/" + title + ".mkv",
		TranscodeOptions: domain.TranscodeOptions{AudioStreams: []int{0, 2}, CRF: 20},
		Metadata:         domain.Metadata{Title: title, Year: "2001"},
	}
}

// Run exercises store through the port contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) port.JobStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, Spec("alpha"))
		require.NoError(t, err)
		assert.Equal(t, domain.StageQueued, created.Stage)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, domain.JobTypeMovie, got.Type)
		assert.Equal(t, "/uploads/alpha.mkv", got.InputPath)
		assert.Equal(t, domain.TranscodeModeServer, got.TranscodeMode)
		assert.Equal(t, []int{0, 2}, got.TranscodeOptions.AudioStreams)
		assert.Equal(t, 20, got.TranscodeOptions.CRF)
		assert.Equal(t, "alpha", got.Metadata.Title)
		assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("create rejects invalid spec", func(t *testing.T) {
		s := newStore(t)
		spec := Spec("bad")
		spec.InputPath = ""
		_, err := s.Create(ctx, spec)
		assert.ErrorIs(t, err, domain.ErrInvalidSpec)

		jobs, err := s.List(ctx, domain.JobFilter{})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("update applies mutation", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, Spec("beta"))
		require.NoError(t, err)

		now := time.Now().UTC()
		updated, err := s.Update(ctx, job.ID, func(j *domain.Job) error {
			if err := j.Transition(domain.StageTranscoding, now); err != nil {
				return err
			}
			j.Encoder = domain.AccelSoftware
			_, err := j.SetProgress(40, now.Add(4*time.Second))
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StageTranscoding, updated.Stage)
		assert.Equal(t, 40.0, updated.Progress)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageTranscoding, got.Stage)
		assert.Equal(t, 40.0, got.Progress)
		assert.Equal(t, 6, got.ETA)
		assert.Equal(t, domain.AccelSoftware, got.Encoder)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("update error leaves record untouched", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, Spec("gamma"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(ctx, job.ID, func(j *domain.Job) error {
			j.Stage = domain.StageFailed
			j.ErrorMessage = "half written"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageQueued, got.Stage)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("update unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(ctx, "missing", func(*domain.Job) error { return nil })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("concurrent updates on one job are serialized", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, Spec("delta"))
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, job.ID, func(j *domain.Job) error {
					j.ETA++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.ETA)
	})

	t.Run("list order and filters", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for _, title := range []string{"one", "two", "three"} {
			j, err := s.Create(ctx, Spec(title))
			require.NoError(t, err)
			ids = append(ids, j.ID)
		}
		_, err := s.Update(ctx, ids[1], func(j *domain.Job) error {
			return j.Transition(domain.StageCanceled, time.Now().UTC())
		})
		require.NoError(t, err)

		all, err := s.List(ctx, domain.JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids, []string{all[0].ID, all[1].ID, all[2].ID})

		active, err := s.List(ctx, domain.JobFilter{Active: true})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, ids[0], active[0].ID)
		assert.Equal(t, ids[2], active[1].ID)

		canceled, err := s.List(ctx, domain.JobFilter{Stages: []domain.Stage{domain.StageCanceled}})
		require.NoError(t, err)
		require.Len(t, canceled, 1)
		assert.Equal(t, ids[1], canceled[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, Spec("epsilon"))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, job.ID))
		_, err = s.Get(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, job.ID), domain.ErrNotFound)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, Spec("zeta"))
		require.NoError(t, err)

		job.Stage = domain.StageFailed
		job.TranscodeOptions.AudioStreams[0] = 7

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageQueued, got.Stage)
		assert.Equal(t, 0, got.TranscodeOptions.AudioStreams[0])
	})
}
