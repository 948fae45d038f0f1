package coreerr

// SyncStatus is the state machine described in spec.md §4.4.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusPending SyncStatus = "pending"
	StatusPaused  SyncStatus = "paused"
	StatusError   SyncStatus = "error"
)

// SyncEvent is a trigger that drives a SyncStatus transition.
type SyncEvent string

const (
	EventSyncStart      SyncEvent = "sync_start"
	EventSyncSuccess    SyncEvent = "sync_success"
	EventSyncFailure    SyncEvent = "sync_failure"
	EventSyncRetry      SyncEvent = "sync_retry"
	EventWriteBuffered  SyncEvent = "write_buffered"
	EventQueueDrained   SyncEvent = "queue_drained"
	EventConnectionLost SyncEvent = "connection_lost"
	EventReconnected    SyncEvent = "reconnected"
)

// NextSyncStatus computes the next SyncStatus for (current, event), per the
// transition table in spec.md §4.4. An event with no valid transition from
// the current state returns the current state unchanged — callers are
// expected to only emit events that make sense for their own lifecycle, but
// the function never panics on an out-of-order event.
func NextSyncStatus(current SyncStatus, event SyncEvent) SyncStatus {
	// "Any state -> pending/paused" transitions apply regardless of current.
	switch event {
	case EventWriteBuffered:
		return StatusPending
	case EventConnectionLost:
		return StatusPaused
	}

	switch current {
	case StatusSynced:
		if event == EventSyncStart {
			return StatusSyncing
		}
	case StatusSyncing:
		switch event {
		case EventSyncSuccess:
			return StatusSynced
		case EventSyncFailure:
			return StatusError
		}
	case StatusPending:
		if event == EventQueueDrained {
			return StatusSynced
		}
		if event == EventSyncStart {
			return StatusSyncing
		}
	case StatusPaused:
		if event == EventReconnected {
			return StatusSyncing
		}
	case StatusError:
		switch event {
		case EventSyncRetry:
			return StatusSyncing
		case EventSyncSuccess:
			return StatusSynced
		}
	}
	return current
}
