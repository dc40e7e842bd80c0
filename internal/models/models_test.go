package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{StatusPending, StatusOffered, true},
		{StatusOffered, StatusAccepted, true},
		{StatusOffered, StatusExhausted, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusExhausted, StatusPending, true},
		{StatusAccepted, StatusOffered, false},
		{StatusCompleted, StatusCanceled, false},
		{StatusCanceled, StatusPending, false},
		{StatusPending, StatusAccepted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &ConflictError{Entity: "task", ID: "t1", Expected: "offered", Actual: "accepted"})
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))

	var ce *ConflictError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "accepted", ce.Actual)

	assert.True(t, errors.Is(&NotFoundError{Entity: "session", ID: "u"}, ErrNotFound))
	assert.True(t, errors.Is(&ExpiredError{Entity: "offer", ID: "o"}, ErrExpired))
	assert.True(t, errors.Is(&ValidationError{Field: "phone", Reason: "bad"}, ErrValidation))
	assert.True(t, errors.Is(&DuplicateSessionError{UserID: "u"}, ErrDuplicateSession))
}

func TestSessionExpiredAtBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now}
	assert.True(t, s.Expired(now))
	assert.False(t, s.Expired(now.Add(-time.Nanosecond)))
}
