package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/user-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const UserCacheTTL = 5 * time.Minute

// ErrCacheMiss is returned by GetCachedUser when nothing is cached.
var ErrCacheMiss = errors.New("user not cached")

// RepositoryInterface restricts Repo methods so the service can be tested with fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetUserForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error)
	GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error)
	CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error
	UpdateUserFields(ctx context.Context, tx *gorm.DB, id uint64, fields map[string]interface{}) error

	UpsertInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (bool, error)
	DeleteInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (bool, error)
	GetInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Instructor, error)
	UpdateInstructor(ctx context.Context, tx *gorm.DB, in *model.Instructor) error

	GetDepartment(ctx context.Context, tx *gorm.DB, code string) (*model.Department, error)
	CreateDepartment(ctx context.Context, tx *gorm.DB, d *model.Department) error
	UpdateDepartmentFields(ctx context.Context, tx *gorm.DB, code string, fields map[string]interface{}) error

	CacheUser(ctx context.Context, u *model.User) error
	GetCachedUser(ctx context.Context, id uint64) (*model.User, error)
	InvalidateUser(ctx context.Context, id uint64) error
}

// Repository implements RepositoryInterface. rdb may be nil, which disables the cache.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetUserForUpdate locks the user row until tx ends.
func (r *Repository) GetUserForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error) {
	var u model.User
	if err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error {
	return tx.WithContext(ctx).Create(u).Error
}

// UpdateUserFields writes a partial update. A missing row is gorm.ErrRecordNotFound.
func (r *Repository) UpdateUserFields(ctx context.Context, tx *gorm.DB, id uint64, fields map[string]interface{}) error {
	res := tx.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpsertInstructor inserts the derived row unless it already exists and
// reports whether a row was created.
func (r *Repository) UpsertInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (bool, error) {
	in := &model.Instructor{UserID: userID, Specialties: []string{}}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(in)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteInstructor removes the derived row if present.
func (r *Repository) DeleteInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (bool, error) {
	res := tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Instructor{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) GetInstructor(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Instructor, error) {
	var in model.Instructor
	if err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&in).Error; err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *Repository) UpdateInstructor(ctx context.Context, tx *gorm.DB, in *model.Instructor) error {
	return tx.WithContext(ctx).Model(in).
		Select("bio", "specialties", "updated_at").
		Updates(in).Error
}

func (r *Repository) GetDepartment(ctx context.Context, tx *gorm.DB, code string) (*model.Department, error) {
	var d model.Department
	if err := r.conn(tx).WithContext(ctx).Where("code = ?", code).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDepartment inserts d. A taken code surfaces as gorm.ErrDuplicatedKey
// when the connection translates errors.
func (r *Repository) CreateDepartment(ctx context.Context, tx *gorm.DB, d *model.Department) error {
	return tx.WithContext(ctx).Create(d).Error
}

func (r *Repository) UpdateDepartmentFields(ctx context.Context, tx *gorm.DB, code string, fields map[string]interface{}) error {
	res := tx.WithContext(ctx).Model(&model.Department{}).Where("code = ?", code).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CacheUser writes Redis.
func (r *Repository) CacheUser(ctx context.Context, u *model.User) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, userKey(u.ID), b, UserCacheTTL).Err()
}

// GetCachedUser reads Redis.
func (r *Repository) GetCachedUser(ctx context.Context, id uint64) (*model.User, error) {
	if r.rdb == nil {
		return nil, ErrCacheMiss
	}
	raw, err := r.rdb.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode cached user %d: %w", id, err)
	}
	return &u, nil
}

// InvalidateUser drops the cached copy so the next read comes from the database.
func (r *Repository) InvalidateUser(ctx context.Context, id uint64) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, userKey(id)).Err()
}

func (r *Repository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func userKey(id uint64) string { return fmt.Sprintf("user:%d", id) }
