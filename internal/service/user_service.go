package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/richardliu001/user-service/internal/event"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/richardliu001/user-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outbox topics written by UserService.
const (
	TopicUserCreated              = "user.created"
	TopicUserRoleChanged          = "user.role_changed"
	TopicUserStatusChanged        = "user.status_changed"
	TopicPasswordResetRequested   = "user.password_reset_requested"
	TopicInstructorProfileUpdated = "instructor.profile_updated"
	TopicDepartmentCreated        = "department.created"
	TopicDepartmentUpdated        = "department.updated"
)

// OutboxWriter stages an event inside the caller's transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, tx *gorm.DB, topic string, payload any) (*model.OutboxEvent, error)
}

// CredentialProvisioner creates login credentials in the external auth
// service and returns its user id. Revoke undoes a Provision whose user row
// was never committed.
type CredentialProvisioner interface {
	Provision(ctx context.Context, email, password string) (string, error)
	Revoke(ctx context.Context, authUserID string) error
}

// UserService owns every mutation that must be paired with an outbox event.
type UserService struct {
	repo   repo.RepositoryInterface
	outbox OutboxWriter
	creds  CredentialProvisioner
	log    *zap.SugaredLogger
	now    func() time.Time
}

type Option func(*UserService)

func WithCredentialProvisioner(p CredentialProvisioner) Option {
	return func(s *UserService) { s.creds = p }
}

// NewUserService returns UserService.
func NewUserService(r repo.RepositoryInterface, ob OutboxWriter, logger *zap.SugaredLogger, opts ...Option) *UserService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &UserService{repo: r, outbox: ob, log: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type roleChanged struct {
	UserID        uint64     `json:"userId"`
	Role          model.Role `json:"role"`
	ChangedBy     uint64     `json:"changedBy"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// ApplyRoleTransition sets the user's role and keeps the instructors table in
// step with it. Repeating a transition succeeds and records one more event.
func (s *UserService) ApplyRoleTransition(ctx context.Context, userID uint64, newRole model.Role, actorID uint64) (*model.User, error) {
	if !newRole.Valid() {
		return nil, ErrInvalidRole
	}
	var out *model.User
	err := s.inTx(ctx, "apply role transition", func(tx *gorm.DB) error {
		u, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateUserFields(ctx, tx, userID, map[string]interface{}{"role": newRole}); err != nil {
			return err
		}
		if newRole == model.RoleInstructor {
			if _, err := s.repo.UpsertInstructor(ctx, tx, userID); err != nil {
				return err
			}
		} else if _, err := s.repo.DeleteInstructor(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, TopicUserRoleChanged, roleChanged{
			UserID:        userID,
			Role:          newRole,
			ChangedBy:     actorID,
			CorrelationID: event.CorrelationID(ctx),
		}); err != nil {
			return err
		}
		if u.Role != newRole {
			s.log.Infow("role changed", "user_id", userID, "from", u.Role, "to", newRole, "actor_id", actorID)
		}
		out, err = s.repo.GetUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return out, nil
}

// RegisterInput describes a new user. Role defaults to EMPLOYEE.
type RegisterInput struct {
	Name           string
	Email          string
	Password       string
	DepartmentCode *string
	Role           model.Role
	ActorID        uint64
}

type userCreated struct {
	UserID         uint64     `json:"userId"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Role           model.Role `json:"role"`
	DepartmentCode *string    `json:"departmentCode,omitempty"`
	CreatedBy      uint64     `json:"createdBy"`
	CorrelationID  string     `json:"correlationId,omitempty"`
}

// RegisterUser provisions credentials, then inserts the user, its derived
// instructor row when needed, and a user.created event in one transaction.
// Credentials are revoked again if the transaction fails.
func (s *UserService) RegisterUser(ctx context.Context, in RegisterInput) (*model.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidInput, in.Email)
	}
	if in.Role == "" {
		in.Role = model.RoleEmployee
	}
	if !in.Role.Valid() {
		return nil, ErrInvalidRole
	}

	var authID *string
	if s.creds != nil && in.Password != "" {
		id, err := s.creds.Provision(ctx, in.Email, in.Password)
		if err != nil {
			return nil, fmt.Errorf("provision credentials: %w", err)
		}
		authID = &id
	}

	u := &model.User{
		Name:           in.Name,
		Email:          in.Email,
		DepartmentCode: in.DepartmentCode,
		Role:           in.Role,
		Active:         true,
		AuthUserID:     authID,
	}
	err := s.inTx(ctx, "register user", func(tx *gorm.DB) error {
		if in.DepartmentCode != nil {
			if _, err := s.repo.GetDepartment(ctx, tx, *in.DepartmentCode); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrDepartmentNotFound
				}
				return err
			}
		}
		if err := s.repo.CreateUser(ctx, tx, u); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return err
		}
		if u.Role == model.RoleInstructor {
			if _, err := s.repo.UpsertInstructor(ctx, tx, u.ID); err != nil {
				return err
			}
		}
		_, err := s.outbox.Insert(ctx, tx, TopicUserCreated, userCreated{
			UserID:         u.ID,
			Name:           u.Name,
			Email:          u.Email,
			Role:           u.Role,
			DepartmentCode: u.DepartmentCode,
			CreatedBy:      in.ActorID,
			CorrelationID:  event.CorrelationID(ctx),
		})
		return err
	})
	if err != nil {
		if authID != nil {
			s.revokeCredentials(ctx, *authID, in.Email)
		}
		return nil, err
	}
	return u, nil
}

func (s *UserService) revokeCredentials(ctx context.Context, authID, email string) {
	if err := s.creds.Revoke(context.WithoutCancel(ctx), authID); err != nil {
		s.log.Errorw("orphaned auth credentials", "auth_user_id", authID, "email", email, "error", err)
	}
}

type statusChanged struct {
	UserID        uint64 `json:"userId"`
	Active        bool   `json:"active"`
	ChangedBy     uint64 `json:"changedBy"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (s *UserService) SetUserActive(ctx context.Context, userID uint64, active bool, actorID uint64) (*model.User, error) {
	var out *model.User
	err := s.inTx(ctx, "set user active", func(tx *gorm.DB) error {
		if _, err := s.lockUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := s.repo.UpdateUserFields(ctx, tx, userID, map[string]interface{}{"active": active}); err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, TopicUserStatusChanged, statusChanged{
			UserID:        userID,
			Active:        active,
			ChangedBy:     actorID,
			CorrelationID: event.CorrelationID(ctx),
		}); err != nil {
			return err
		}
		var err error
		out, err = s.repo.GetUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return out, nil
}

type passwordResetRequested struct {
	UserID        uint64 `json:"userId"`
	Email         string `json:"email"`
	RequestedBy   uint64 `json:"requestedBy"`
	RequestedAt   string `json:"requestedAt"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// RequestPasswordReset stamps the request time and hands the reset to
// consumers of user.password_reset_requested.
func (s *UserService) RequestPasswordReset(ctx context.Context, userID, actorID uint64) (*model.User, error) {
	var out *model.User
	err := s.inTx(ctx, "request password reset", func(tx *gorm.DB) error {
		u, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		if err := s.repo.UpdateUserFields(ctx, tx, userID, map[string]interface{}{"password_reset_requested_at": at}); err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, TopicPasswordResetRequested, passwordResetRequested{
			UserID:        userID,
			Email:         u.Email,
			RequestedBy:   actorID,
			RequestedAt:   at.Format(time.RFC3339Nano),
			CorrelationID: event.CorrelationID(ctx),
		}); err != nil {
			return err
		}
		out, err = s.repo.GetUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return out, nil
}

type instructorProfileUpdated struct {
	UserID        uint64   `json:"userId"`
	Bio           *string  `json:"bio"`
	Specialties   []string `json:"specialties"`
	UpdatedBy     uint64   `json:"updatedBy"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

func (s *UserService) UpdateInstructorProfile(ctx context.Context, userID uint64, bio *string, specialties []string, actorID uint64) (*model.Instructor, error) {
	if specialties == nil {
		specialties = []string{}
	}
	var out *model.Instructor
	err := s.inTx(ctx, "update instructor profile", func(tx *gorm.DB) error {
		u, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.Role != model.RoleInstructor {
			return ErrNotInstructor
		}
		if _, err := s.repo.GetInstructor(ctx, tx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotInstructor
			}
			return err
		}
		if err := s.repo.UpdateInstructor(ctx, tx, &model.Instructor{UserID: userID, Bio: bio, Specialties: specialties}); err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, TopicInstructorProfileUpdated, instructorProfileUpdated{
			UserID:        userID,
			Bio:           bio,
			Specialties:   specialties,
			UpdatedBy:     actorID,
			CorrelationID: event.CorrelationID(ctx),
		}); err != nil {
			return err
		}
		out, err = s.repo.GetInstructor(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser reads through the cache.
func (s *UserService) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	u, err := s.repo.GetCachedUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrCacheMiss) {
		s.log.Warnf("user cache read failed id=%d: %v", id, err)
	}
	u, err = s.repo.GetUser(ctx, nil, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	if err := s.repo.CacheUser(ctx, u); err != nil {
		s.log.Warn(err)
	}
	return u, nil
}

// inTx runs fn in one transaction. Domain errors pass through; anything else
// is reported as a TxError.
func (s *UserService) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.repo.DB(ctx).Transaction(fn)
	if err == nil || isDomainError(err) {
		return err
	}
	s.log.Errorf("%s failed: %v", op, err)
	return &TxError{Op: op, Err: err}
}

func (s *UserService) lockUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error) {
	u, err := s.repo.GetUserForUpdate(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// invalidateCache runs after commit. Writers never fill the cache themselves,
// so a slower commit cannot overwrite a newer one.
func (s *UserService) invalidateCache(ctx context.Context, id uint64) {
	if err := s.repo.InvalidateUser(ctx, id); err != nil {
		s.log.Warnf("user cache invalidate failed id=%d: %v", id, err)
	}
}
