// Package model содержит доменные сущности портала кредитных заявок.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя портала. Пустая роль означает анонимного пользователя.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDepartment Role = "department"
	RoleBranch     Role = "branch"
)

// Valid сообщает, является ли роль одной из известных ролей.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDepartment, RoleBranch:
		return true
	}
	return false
}

// ApplicationType описывает тип заявителя.
type ApplicationType string

const (
	ApplicationTypeIndividual ApplicationType = "individual"
	ApplicationTypeSHG        ApplicationType = "shg"
)

// Status описывает этап жизненного цикла заявки.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusSanctioned Status = "sanctioned"
	StatusDisbursed  Status = "disbursed"
)

// Statuses перечисляет все статусы в порядке жизненного цикла.
var Statuses = []Status{
	StatusSubmitted,
	StatusApproved,
	StatusRejected,
	StatusSanctioned,
	StatusDisbursed,
}

// Action описывает действие над заявкой, фиксируемое в истории.
type Action string

const (
	ActionSubmitted Action = "submitted"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionSanction  Action = "sanction"
	ActionDisburse  Action = "disburse"
)

// Identity описывает проверенного пользователя, от имени которого выполняется запрос.
type Identity struct {
	Role         Role       `json:"role"`
	SubjectID    uuid.UUID  `json:"sub"`
	Username     string     `json:"username"`
	DepartmentID *uuid.UUID `json:"departmentId,omitempty"`
	BranchID     *uuid.UUID `json:"branchId,omitempty"`
}

// IsAnonymous сообщает, что запрос пришёл без действительной сессии.
func (i Identity) IsAnonymous() bool {
	return i.Role == ""
}

// HistoryEntry описывает неизменяемую запись журнала изменений заявки.
type HistoryEntry struct {
	At              time.Time `json:"at"`
	By              string    `json:"by"`
	Action          Action    `json:"action"`
	Reason          string    `json:"reason,omitempty"`
	DisbursementRef string    `json:"disbursementRef,omitempty"`
}

// Application описывает кредитную заявку.
type Application struct {
	ID              uuid.UUID       `json:"id"`
	Type            ApplicationType `json:"type"`
	ApplicantName   string          `json:"applicantName"`
	Address         string          `json:"address"`
	Description     string          `json:"description"`
	BankID          uuid.UUID       `json:"bankId"`
	BranchID        uuid.UUID       `json:"branchId"`
	DepartmentID    *uuid.UUID      `json:"departmentId"`
	SubmittedBy     uuid.UUID       `json:"submittedBy"`
	Status          Status          `json:"status"`
	DisbursementRef *string         `json:"disbursementRef,omitempty"`
	History         []HistoryEntry  `json:"history"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Department описывает государственный отдел, подающий заявки.
type Department struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	Code        *string   `json:"code,omitempty"`
	Description *string   `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Bank описывает банк.
type Bank struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Code      *string   `json:"code,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Branch описывает отделение банка.
type Branch struct {
	ID        uuid.UUID `json:"id"`
	BankID    uuid.UUID `json:"bankId"`
	Name      string    `json:"name"`
	Code      *string   `json:"code,omitempty"`
	Username  string    `json:"username"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// User описывает учётную запись для входа. Для ролей department и branch ссылается на владельца.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash []byte
	Role         Role
	DepartmentID *uuid.UUID
	BranchID     *uuid.UUID
	Active       bool
	CreatedAt    time.Time
}

// Identity возвращает контекст пользователя для выпуска сессии.
func (u *User) Identity() Identity {
	return Identity{
		Role:         u.Role,
		SubjectID:    u.ID,
		Username:     u.Username,
		DepartmentID: u.DepartmentID,
		BranchID:     u.BranchID,
	}
}

// DepartmentSummary содержит количество заявок отдела по статусам.
type DepartmentSummary struct {
	Department Department     `json:"department"`
	Counts     map[Status]int `json:"counts"`
	Total      int            `json:"total"`
}
