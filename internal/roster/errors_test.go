package roster

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"fetch", &ExternalFetchError{Resource: "lists", Err: errors.New("boom")}, true},
		{"reconcile", &ReconciliationError{Op: "create person", Err: errors.New("db")}, true},
		{"decrypt", &DecryptionError{IntegrationID: "i1", Err: errors.New("tag")}, false},
		{"reauth wrapped", fmt.Errorf("run: %w", &ReauthorizationRequiredError{IntegrationID: "i1"}), false},
		{"exchange", &AuthExchangeError{Err: errors.New("bad code")}, false},
		{"not found", fmt.Errorf("load: %w", ErrNotFound), false},
		{"in progress", ErrSyncInProgress, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestFrequencyInterval(t *testing.T) {
	assert.Equal(t, time.Hour, FrequencyHourly.Interval())
	assert.Equal(t, 24*time.Hour, FrequencyDaily.Interval())
	assert.Equal(t, 7*24*time.Hour, FrequencyWeekly.Interval())
	assert.Zero(t, FrequencyManual.Interval())
	assert.False(t, Frequency("YEARLY").Valid())
}

func TestIntegrationSchedulable(t *testing.T) {
	in := Integration{Status: IntegrationActive, SyncEnabled: true, SyncFrequency: FrequencyDaily}
	assert.True(t, in.Schedulable())

	in.SyncFrequency = FrequencyManual
	assert.False(t, in.Schedulable())

	in.SyncFrequency = FrequencyDaily
	in.Status = IntegrationError
	assert.False(t, in.Schedulable())
}

func TestCountersAdd(t *testing.T) {
	c := Counters{PeopleAdded: 1, GroupsSkipped: 2}
	c.Add(Counters{PeopleAdded: 2, PeopleRemoved: 1, GroupsSkipped: 1})
	assert.Equal(t, Counters{PeopleAdded: 3, PeopleRemoved: 1, GroupsSkipped: 3}, c)
}
