package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/domain"
	"auth-service/internal/repository"
	"auth-service/internal/token"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
	next  int64
	err   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*domain.User)}
}

func (r *fakeUserRepo) Init(context.Context) error { return nil }

func (r *fakeUserRepo) Create(_ context.Context, user *domain.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if _, ok := r.users[user.Username]; ok {
		return 0, repository.ErrConflict
	}
	for _, u := range r.users {
		if u.Email == user.Email {
			return 0, repository.ErrConflict
		}
	}
	r.next++
	user.ID = r.next
	user.IsActive = true
	user.CreatedAt = time.Now().UTC()
	cp := *user
	r.users[user.Username] = &cp
	return user.ID, nil
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakePublisher struct {
	err       error
	published chan domain.UserCreatedEvent
}

func newFakePublisher(err error) *fakePublisher {
	return &fakePublisher{err: err, published: make(chan domain.UserCreatedEvent, 8)}
}

func (p *fakePublisher) PublishUserCreated(_ context.Context, evt domain.UserCreatedEvent) error {
	p.published <- evt
	return p.err
}

// plainHasher avoids bcrypt cost in tests.
type plainHasher struct{}

func (plainHasher) Hash(plaintext string) (string, error) { return "hashed:" + plaintext, nil }
func (plainHasher) Verify(plaintext, hash string) bool    { return "hashed:"+plaintext == hash }

func newTestService(t *testing.T, repo *fakeUserRepo, pub *fakePublisher) AuthService {
	t.Helper()

	issuer, err := token.NewIssuer([]byte("test-secret"), "HS256", 30*time.Minute)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewAuthService(repo, plainHasher{}, issuer, pub, logger)
}

func waitForEvent(t *testing.T, pub *fakePublisher) domain.UserCreatedEvent {
	t.Helper()
	select {
	case evt := <-pub.published:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("expected a user created event")
		return domain.UserCreatedEvent{}
	}
}

func TestRegister(t *testing.T) {
	repo := newFakeUserRepo()
	pub := newFakePublisher(nil)
	svc := newTestService(t, repo, pub)

	user, err := svc.Register(context.Background(), "alice", "alice@x.com", "pw123456")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@x.com", user.Email)
	assert.True(t, user.IsActive)
	assert.Empty(t, user.PasswordHash)

	evt := waitForEvent(t, pub)
	assert.Equal(t, user.ID, evt.UserID)
	assert.Equal(t, "alice", evt.Username)
	assert.Equal(t, "alice@x.com", evt.Email)
}

func TestRegisterDuplicate(t *testing.T) {
	repo := newFakeUserRepo()
	pub := newFakePublisher(nil)
	svc := newTestService(t, repo, pub)

	_, err := svc.Register(context.Background(), "alice", "alice@x.com", "pw123456")
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "alice", "other@x.com", "pw123456")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestRegisterInputValidation(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(t, repo, newFakePublisher(nil))
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"empty username", "", "alice@x.com", "pw123456"},
		{"empty email", "alice", "", "pw123456"},
		{"bad email", "alice", "not-an-email", "pw123456"},
		{"empty password", "alice", "alice@x.com", ""},
		{"short password", "alice", "alice@x.com", "pw1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.username, tc.email, tc.password)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRegisterSucceedsWhenPublishFails(t *testing.T) {
	repo := newFakeUserRepo()
	pub := newFakePublisher(errors.New("broker down"))
	svc := newTestService(t, repo, pub)

	user, err := svc.Register(context.Background(), "alice", "alice@x.com", "pw123456")
	require.NoError(t, err)
	waitForEvent(t, pub)

	// storage commit is independent of the publish outcome
	got, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestLogin(t *testing.T) {
	repo := newFakeUserRepo()
	pub := newFakePublisher(nil)
	svc := newTestService(t, repo, pub)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "alice@x.com", "pw123456")
	require.NoError(t, err)

	tok, err := svc.Login(ctx, "alice", "pw123456")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	user, err := svc.CurrentUser(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Empty(t, user.PasswordHash)
}

func TestLoginDoesNotLeakUserExistence(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(t, repo, newFakePublisher(nil))
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "alice@x.com", "pw123456")
	require.NoError(t, err)

	_, errUnknown := svc.Login(ctx, "nobody", "pw123456")
	_, errWrongPw := svc.Login(ctx, "alice", "wrong-password")

	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrongPw, ErrInvalidCredentials)
	assert.Equal(t, errUnknown, errWrongPw)
}

func TestCurrentUserRejectsBadTokens(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(t, repo, newFakePublisher(nil))
	ctx := context.Background()

	_, err := svc.CurrentUser(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCurrentUserUnknownSubject(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestService(t, repo, newFakePublisher(nil))
	ctx := context.Background()

	issuer, err := token.NewIssuer([]byte("test-secret"), "HS256", 30*time.Minute)
	require.NoError(t, err)
	tok, err := issuer.Issue("ghost")
	require.NoError(t, err)

	_, err = svc.CurrentUser(ctx, tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
