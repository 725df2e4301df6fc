package service

import (
	"context"
	"errors"
	"testing"

	"github.com/AdlarX9/nitflex-sub000/internal/adapter/storage/memory"
	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/AdlarX9/nitflex-sub000/internal/port/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stageRecorder struct {
	store  *memory.Store
	id     string
	stages []domain.Stage
}

func (r *stageRecorder) advance(ctx context.Context, fn port.Mutation) (*domain.Job, error) {
	job, err := r.store.Update(ctx, r.id, fn)
	if err == nil {
		r.stages = append(r.stages, job.Stage)
	}
	return job, err
}

func newOrchestratorJob(t *testing.T) (*memory.Store, *domain.Job) {
	t.Helper()
	store := memory.NewStore()
	job, err := store.Create(context.Background(), domain.JobSpec{
		Type:          domain.JobTypeMovie,
		InputPath:     "/uploads/heat.mkv",
		TranscodeMode: domain.TranscodeModeNone,
		Metadata:      domain.Metadata{Title: "Heat", Year: "1995"},
	})
	require.NoError(t, err)
	return store, job
}

func TestOrchestrator_RunPostEncode_Success(t *testing.T) {
	store, job := newOrchestratorJob(t)
	tagger := mocks.NewTaggerMock(t)
	library := mocks.NewLibraryMock(t)
	tagger.On("Tag", mock.Anything, "/uploads/heat.mkv", job.Metadata).Return(nil).Once()
	library.On("Destination", mock.AnythingOfType("*domain.Job"), "/uploads/heat.mkv").Return("/movies/Heat.mkv", nil).Once()
	library.On("Move", mock.Anything, "/uploads/heat.mkv", "/movies/Heat.mkv").Return(nil).Once()

	rec := &stageRecorder{store: store, id: job.ID}
	out := NewOrchestrator(tagger, library).RunPostEncode(context.Background(), job, job.InputPath, rec.advance)

	require.NoError(t, out.Err)
	assert.Equal(t, domain.StageCompleted, out.Stage)
	assert.Equal(t, "/movies/Heat.mkv", out.OutputPath)
	assert.Equal(t, []domain.Stage{domain.StageTagging, domain.StageMoving, domain.StageCompleted}, rec.stages)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/movies/Heat.mkv", got.OutputPath)
	assert.Equal(t, 100.0, got.Progress)
	assert.NotNil(t, got.CompletedAt)
}

func TestOrchestrator_RunPostEncode_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(tagger *mocks.TaggerMock, library *mocks.LibraryMock)
		wantStages []domain.Stage
		wantMsg    string
	}{
		{
			name: "tagging fails",
			setup: func(tagger *mocks.TaggerMock, library *mocks.LibraryMock) {
				tagger.On("Tag", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("ffmpeg failed")).Once()
			},
			wantStages: []domain.Stage{domain.StageTagging, domain.StageFailed},
			wantMsg:    "tagging failed: ffmpeg failed",
		},
		{
			name: "destination rejected",
			setup: func(tagger *mocks.TaggerMock, library *mocks.LibraryMock) {
				tagger.On("Tag", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
				library.On("Destination", mock.Anything, mock.Anything).Return("", errors.New("outside library")).Once()
			},
			wantStages: []domain.Stage{domain.StageTagging, domain.StageFailed},
			wantMsg:    "resolve destination: outside library",
		},
		{
			name: "move fails",
			setup: func(tagger *mocks.TaggerMock, library *mocks.LibraryMock) {
				tagger.On("Tag", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
				library.On("Destination", mock.Anything, mock.Anything).Return("/movies/Heat.mkv", nil).Once()
				library.On("Move", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
			},
			wantStages: []domain.Stage{domain.StageTagging, domain.StageMoving, domain.StageFailed},
			wantMsg:    "move failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, job := newOrchestratorJob(t)
			tagger := mocks.NewTaggerMock(t)
			library := mocks.NewLibraryMock(t)
			tt.setup(tagger, library)

			rec := &stageRecorder{store: store, id: job.ID}
			out := NewOrchestrator(tagger, library).RunPostEncode(context.Background(), job, job.InputPath, rec.advance)

			assert.Error(t, out.Err)
			assert.Equal(t, domain.StageFailed, out.Stage)
			assert.Equal(t, tt.wantStages, rec.stages)

			got, err := store.Get(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMsg, got.ErrorMessage)
			assert.Empty(t, got.OutputPath)
		})
	}
}

func TestOrchestrator_RunPostEncode_AlreadyTagging(t *testing.T) {
	store, job := newOrchestratorJob(t)
	job, err := store.Update(context.Background(), job.ID, func(j *domain.Job) error {
		return j.Transition(domain.StageTagging, j.CreatedAt)
	})
	require.NoError(t, err)

	tagger := mocks.NewTaggerMock(t)
	library := mocks.NewLibraryMock(t)
	tagger.On("Tag", mock.Anything, "/work/a.mp4", mock.Anything).Return(nil).Once()
	library.On("Destination", mock.Anything, "/work/a.mp4").Return("/movies/Heat.mp4", nil).Once()
	library.On("Move", mock.Anything, "/work/a.mp4", "/movies/Heat.mp4").Return(nil).Once()

	rec := &stageRecorder{store: store, id: job.ID}
	out := NewOrchestrator(tagger, library).RunPostEncode(context.Background(), job, "/work/a.mp4", rec.advance)

	require.NoError(t, out.Err)
	assert.Equal(t, []domain.Stage{domain.StageMoving, domain.StageCompleted}, rec.stages)
}

func TestOrchestrator_RunPostEncode_CanceledBeforeStart(t *testing.T) {
	store, job := newOrchestratorJob(t)
	_, err := store.Update(context.Background(), job.ID, func(j *domain.Job) error {
		return j.Transition(domain.StageCanceled, j.CreatedAt)
	})
	require.NoError(t, err)

	rec := &stageRecorder{store: store, id: job.ID}
	out := NewOrchestrator(mocks.NewTaggerMock(t), mocks.NewLibraryMock(t)).
		RunPostEncode(context.Background(), job, job.InputPath, rec.advance)

	assert.ErrorIs(t, out.Err, domain.ErrInvalidTransition)
	assert.Empty(t, rec.stages)
}
