package coreerr

import "testing"

func TestNextSyncStatusTransitions(t *testing.T) {
	cases := []struct {
		current SyncStatus
		event   SyncEvent
		want    SyncStatus
	}{
		{StatusSynced, EventSyncStart, StatusSyncing},
		{StatusSyncing, EventSyncSuccess, StatusSynced},
		{StatusSyncing, EventSyncFailure, StatusError},
		{StatusError, EventSyncRetry, StatusSyncing},
		{StatusError, EventSyncSuccess, StatusSynced},
		{StatusPending, EventQueueDrained, StatusSynced},
		{StatusSynced, EventWriteBuffered, StatusPending},
		{StatusSyncing, EventWriteBuffered, StatusPending},
		{StatusSynced, EventConnectionLost, StatusPaused},
		{StatusPaused, EventReconnected, StatusSyncing},
		// out-of-order event: no transition defined, state holds.
		{StatusSynced, EventSyncSuccess, StatusSynced},
		{StatusPaused, EventSyncSuccess, StatusPaused},
	}
	for _, c := range cases {
		got := NextSyncStatus(c.current, c.event)
		if got != c.want {
			t.Errorf("NextSyncStatus(%s, %s) = %s, want %s", c.current, c.event, got, c.want)
		}
	}
}
