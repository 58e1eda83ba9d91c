package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"auth-service/internal/domain"
	"auth-service/internal/event"
	"auth-service/internal/hash"
	"auth-service/internal/repository"
	"auth-service/internal/token"
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords so login responses do not leak which one occurred.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserAlreadyExists is returned when registration hits an existing
	// username or email.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrUnauthorized is returned when a bearer token is missing, invalid,
	// expired, or names a user that no longer exists.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput is returned when registration input fails shape checks.
	ErrInvalidInput = errors.New("invalid input")
)

// AuthService implements the register, login and authenticate-request use
// cases over the injected capabilities.
type AuthService interface {
	Register(ctx context.Context, username, email, password string) (*domain.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	CurrentUser(ctx context.Context, tokenString string) (*domain.User, error)
}

type authService struct {
	users     repository.UserRepository
	hasher    hash.Hasher
	issuer    *token.Issuer
	publisher event.Publisher
	logger    *logrus.Logger
}

func NewAuthService(users repository.UserRepository, hasher hash.Hasher, issuer *token.Issuer, publisher event.Publisher, logger *logrus.Logger) AuthService {
	return &authService{
		users:     users,
		hasher:    hasher,
		issuer:    issuer,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *authService) Register(ctx context.Context, username, email, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: email format is invalid", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
	}

	if _, err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	// The row is committed; publication must not block the response or
	// unwind the insert. The publisher applies its own timeout.
	evt := domain.UserCreatedEvent{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}
	go func() {
		if err := s.publisher.PublishUserCreated(context.Background(), evt); err != nil {
			s.logger.Warnf("user created event for %s not published: %v", evt.Username, err)
		}
	}()

	return sanitizeUser(user), nil
}

func (s *authService) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	signed, err := s.issuer.Issue(user.Username)
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (s *authService) CurrentUser(ctx context.Context, tokenString string) (*domain.User, error) {
	subject, err := s.issuer.Validate(tokenString)
	if err != nil {
		return nil, ErrUnauthorized
	}

	user, err := s.users.GetByUsername(ctx, subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	return sanitizeUser(user), nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt,
	}
}
