package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/dirsession/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// UserRepository is the in-memory account directory of the development
// identity server.
type UserRepository struct {
	mu     sync.RWMutex
	byID   map[string]*models.User
	byName map[string]*models.User
	logger *logrus.Logger
}

func NewUserRepository(logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		byID:   make(map[string]*models.User),
		byName: make(map[string]*models.User),
		logger: logger,
	}
}

// Create hashes password and stores a new active user.
func (r *UserRepository) Create(ctx context.Context, username, password string, staff, superuser bool) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		UserSummary: models.UserSummary{
			ID:          uuid.New().String(),
			Username:    username,
			IsStaff:     staff,
			IsSuperuser: superuser,
		},
		PasswordHash: string(hash),
		IsActive:     true,
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[strings.ToLower(username)]; ok {
		return nil, ErrUserExists
	}

	r.byID[user.ID] = user
	r.byName[strings.ToLower(username)] = user

	r.logger.WithField("username", username).Debug("User created")
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Authenticate returns the active user matching the credentials.
func (r *UserRepository) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	r.mu.RLock()
	user, ok := r.byName[strings.ToLower(strings.TrimSpace(username))]
	r.mu.RUnlock()

	if !ok || !user.IsActive {
		return nil, ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUserNotFound
	}

	return user, nil
}

// Deactivate revokes a user's access without deleting the account.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	user.IsActive = false
	return nil
}

// Seed creates users from "name:password[:flag|flag]" entries separated by
// commas. Flags are "staff" and "superuser".
func (r *UserRepository) Seed(ctx context.Context, list string) error {
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return fmt.Errorf("invalid user entry %q", entry)
		}

		var staff, superuser bool
		if len(parts) == 3 {
			for _, flag := range strings.Split(parts[2], "|") {
				switch strings.TrimSpace(flag) {
				case "staff":
					staff = true
				case "superuser":
					superuser = true
				case "":
				default:
					return fmt.Errorf("unknown user flag %q", flag)
				}
			}
		}

		if _, err := r.Create(ctx, parts[0], parts[1], staff, superuser); err != nil {
			return fmt.Errorf("failed to seed user %q: %w", parts[0], err)
		}
	}

	return nil
}
