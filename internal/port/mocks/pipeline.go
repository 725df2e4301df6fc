package mocks

import (
	"context"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/stretchr/testify/mock"
)

type TaggerMock struct {
	mock.Mock
}

func NewTaggerMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *TaggerMock {
	m := &TaggerMock{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *TaggerMock) Tag(ctx context.Context, path string, meta domain.Metadata) error {
	args := m.Called(ctx, path, meta)
	return args.Error(0)
}

type LibraryMock struct {
	mock.Mock
}

func NewLibraryMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *LibraryMock {
	m := &LibraryMock{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *LibraryMock) Destination(job *domain.Job, sourcePath string) (string, error) {
	args := m.Called(job, sourcePath)
	return args.String(0), args.Error(1)
}

func (m *LibraryMock) Move(ctx context.Context, src, dst string) error {
	args := m.Called(ctx, src, dst)
	return args.Error(0)
}

var (
	_ port.Tagger  = (*TaggerMock)(nil)
	_ port.Library = (*LibraryMock)(nil)
)
