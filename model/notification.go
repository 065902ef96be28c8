package model

import (
	"time"

	"gorm.io/gorm"
)

// NotificationType represents the kind of notification
type NotificationType string

const (
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// Notification is a fire-and-forget record created when a grading job finishes
type Notification struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	DeletedAt gorm.DeletedAt   `gorm:"index" json:"deleted_at,omitempty"`
	UserID    uint             `gorm:"index;not null" json:"user_id"`
	JobID     string           `gorm:"type:varchar(36);index" json:"job_id,omitempty"`
	Type      NotificationType `gorm:"type:varchar(10);not null" json:"type"`
	Title     string           `gorm:"not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Read      bool             `gorm:"default:false" json:"read"`
}
