package domain

// UserCreatedEvent is the payload published to the broker after a
// successful registration. Ownership passes to the publisher; nothing
// here is retried or persisted if publication fails.
type UserCreatedEvent struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
