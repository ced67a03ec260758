package sync

import "time"

// ItemStatus is the per-message result of a sync run.
type ItemStatus string

const (
	ItemChanged   ItemStatus = "changed"
	ItemDeleted   ItemStatus = "deleted"
	ItemUnchanged ItemStatus = "unchanged"
	ItemSkipped   ItemStatus = "skipped"
	ItemError     ItemStatus = "error"
)

type ItemReport struct {
	MessageID string     `json:"message_id"`
	Status    ItemStatus `json:"status"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	Error     string     `json:"error,omitempty"`
	Err       error      `json:"-"`
}

type UserReport struct {
	UserID         string       `json:"user_id"`
	CursorAdvanced bool         `json:"cursor_advanced"`
	Items          []ItemReport `json:"items"`
	Error          string       `json:"error,omitempty"`
	Err            error        `json:"-"`
}

// Failed reports whether the user's batch, or any item of it, failed.
func (u *UserReport) Failed() bool {
	if u.Err != nil {
		return true
	}
	for _, it := range u.Items {
		if it.Status == ItemError {
			return true
		}
	}
	return false
}

// authFailure returns the user's authentication failure, if any.
func (u *UserReport) authFailure() error {
	if IsAuthentication(u.Err) {
		return u.Err
	}
	for _, it := range u.Items {
		if IsAuthentication(it.Err) {
			return it.Err
		}
	}
	return nil
}

func (u *UserReport) fail(err error) {
	u.Err = err
	u.Error = err.Error()
}

// SyncReport is the outcome of one tenant run.
type SyncReport struct {
	RunID      string       `json:"run_id"`
	TenantID   string       `json:"tenant_id"`
	Namespace  string       `json:"namespace"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Users      []UserReport `json:"users"`
}

// Counts tallies item statuses across all users.
func (r *SyncReport) Counts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, u := range r.Users {
		for _, it := range u.Items {
			counts[it.Status]++
		}
	}
	return counts
}

// FailedUsers returns the ids of users whose batch did not complete.
func (r *SyncReport) FailedUsers() []string {
	var ids []string
	for i := range r.Users {
		if r.Users[i].Failed() {
			ids = append(ids, r.Users[i].UserID)
		}
	}
	return ids
}
