package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/user-service/internal/event"
	"github.com/richardliu001/user-service/internal/model"
	"gorm.io/gorm"
)

type DepartmentInput struct {
	Code        string
	Name        string
	Description *string
	ManagerID   *uint64
}

// DepartmentUpdate holds the fields to change; nil means unchanged.
type DepartmentUpdate struct {
	Name        *string
	Description *string
	ManagerID   *uint64
	Active      *bool
}

type departmentChanged struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	ManagerID     *uint64 `json:"managerId,omitempty"`
	Active        bool    `json:"active"`
	ChangedBy     uint64  `json:"changedBy"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

func (s *UserService) CreateDepartment(ctx context.Context, in DepartmentInput, actorID uint64) (*model.Department, error) {
	code := normalizeCode(in.Code)
	name := strings.TrimSpace(in.Name)
	if code == "" || name == "" {
		return nil, fmt.Errorf("%w: department code and name are required", ErrInvalidInput)
	}
	d := &model.Department{Code: code, Name: name, Description: in.Description, ManagerID: in.ManagerID, Active: true}
	err := s.inTx(ctx, "create department", func(tx *gorm.DB) error {
		if err := s.checkManager(ctx, tx, in.ManagerID); err != nil {
			return err
		}
		if err := s.repo.CreateDepartment(ctx, tx, d); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDepartmentExists
			}
			return err
		}
		_, err := s.outbox.Insert(ctx, tx, TopicDepartmentCreated, departmentPayload(ctx, d, actorID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *UserService) UpdateDepartment(ctx context.Context, code string, upd DepartmentUpdate, actorID uint64) (*model.Department, error) {
	code = normalizeCode(code)
	fields := map[string]interface{}{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: department name cannot be empty", ErrInvalidInput)
		}
		fields["name"] = name
	}
	if upd.Description != nil {
		fields["description"] = *upd.Description
	}
	if upd.ManagerID != nil {
		fields["manager_id"] = *upd.ManagerID
	}
	if upd.Active != nil {
		fields["active"] = *upd.Active
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	var out *model.Department
	err := s.inTx(ctx, "update department", func(tx *gorm.DB) error {
		if err := s.checkManager(ctx, tx, upd.ManagerID); err != nil {
			return err
		}
		if err := s.repo.UpdateDepartmentFields(ctx, tx, code, fields); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDepartmentNotFound
			}
			return err
		}
		d, err := s.repo.GetDepartment(ctx, tx, code)
		if err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, TopicDepartmentUpdated, departmentPayload(ctx, d, actorID)); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *UserService) checkManager(ctx context.Context, tx *gorm.DB, id *uint64) error {
	if id == nil {
		return nil
	}
	if _, err := s.repo.GetUser(ctx, tx, *id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func departmentPayload(ctx context.Context, d *model.Department, actorID uint64) departmentChanged {
	return departmentChanged{
		Code:          d.Code,
		Name:          d.Name,
		ManagerID:     d.ManagerID,
		Active:        d.Active,
		ChangedBy:     actorID,
		CorrelationID: event.CorrelationID(ctx),
	}
}

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }
