package model

import "time"

// Resource names as streamed by the realtime backend.
const (
	ResourceTasks             = "facility_tasks"
	ResourceNotifications     = "notifications"
	ResourceTaskNotifications = "task_notifications"
)

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// TaskStatus values used by the task board.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// TaskPriority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Assignee is an employee a task is assigned to.
type Assignee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Task is a facility work item (facility_tasks).
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	BusinessName string     `json:"business_name"`
	TaskType     string     `json:"task_type"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	Assignee     string     `json:"assignee,omitempty"`
	Assignees    []Assignee `json:"assignees,omitempty"`
	StartDate    *string    `json:"start_date,omitempty"`
	DueDate      *string    `json:"due_date,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskID is the identity function for tasks.
func TaskID(t Task) string { return t.ID }

// Done reports whether the task has reached a terminal status.
func (t Task) Done() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification is a broadcast notice (notifications).
type Notification struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Category   string         `json:"category,omitempty"`
	Priority   string         `json:"priority"`
	RelatedURL string         `json:"related_url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsRead     bool           `json:"is_read"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NotificationID is the identity function for notifications.
func NotificationID(n Notification) string { return n.ID }

// TaskNotification is a per-user notice about a task (task_notifications).
type TaskNotification struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	TaskID           string     `json:"task_id"`
	BusinessName     string     `json:"business_name,omitempty"`
	Message          string     `json:"message"`
	NotificationType string     `json:"notification_type"` // assignment, status_change, unassignment
	Priority         string     `json:"priority"`
	IsRead           bool       `json:"is_read"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// TaskNotificationID is the identity function for task notifications.
func TaskNotificationID(n TaskNotification) string { return n.ID }

// Expired reports whether the notification is past its expiry at now.
func (n TaskNotification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}
