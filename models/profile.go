package models

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile is the application-side record of a provisioned account.
// Name and email mirror the identity provider; the role-specific fields
// are only meaningful for the matching Role.
type UserProfile struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SubjectID string    `json:"-" db:"subject_id"` // identity provider user id
	Email     string    `json:"email" db:"email"`
	FirstName string    `json:"firstName" db:"first_name"`
	LastName  string    `json:"lastName" db:"last_name"`
	Role      string    `json:"role" db:"role"`
	Phone     string    `json:"phoneNumber,omitempty" db:"phone_number"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// admin
	Department string `json:"department,omitempty" db:"department"`
	EmployeeID string `json:"employeeId,omitempty" db:"employee_id"`

	// manager
	Zone              string `json:"zone,omitempty" db:"zone"`
	MaxDriversManaged int    `json:"maxDriversManaged,omitempty" db:"max_drivers_managed"`

	// driver
	LicenseNumber     string     `json:"licenseNumber,omitempty" db:"license_number"`
	VehicleType       string     `json:"vehicleType,omitempty" db:"vehicle_type"`
	VehiclePlate      string     `json:"vehiclePlate,omitempty" db:"vehicle_plate"`
	Available         bool       `json:"available" db:"available"`
	AssignedManagerID *uuid.UUID `json:"assignedManagerId,omitempty" db:"assigned_manager_id"`
}

// TableName returns the table name for the UserProfile model
func (UserProfile) TableName() string {
	return "user_profiles"
}

// NewUserProfile creates a profile for a freshly provisioned subject.
// Drivers start available.
func NewUserProfile(subjectID, email, firstName, lastName, role string) *UserProfile {
	return &UserProfile{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Role:      role,
		Available: true,
		CreatedAt: time.Now().UTC(),
	}
}

// FullName joins first and last name.
func (p *UserProfile) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// AdminDashboard summarises the profile population.
type AdminDashboard struct {
	TotalUsers       int `json:"totalUsers"`
	TotalAdmins      int `json:"totalAdmins"`
	TotalManagers    int `json:"totalManagers"`
	TotalDrivers     int `json:"totalDrivers"`
	AvailableDrivers int `json:"availableDrivers"`
}

// ManagerDashboard summarises the drivers assigned to one manager.
type ManagerDashboard struct {
	Zone             string `json:"zone"`
	ManagedDrivers   int    `json:"managedDrivers"`
	AvailableDrivers int    `json:"availableDrivers"`
}

// StaffEntry is the directory view of a profile, without role-specific data.
type StaffEntry struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Available *bool     `json:"available,omitempty"`
}

// NewStaffEntry projects p for the staff directory.
func NewStaffEntry(p *UserProfile) StaffEntry {
	e := StaffEntry{ID: p.ID, Name: p.FullName(), Email: p.Email, Role: p.Role}
	if p.Role == "driver" {
		available := p.Available
		e.Available = &available
	}
	return e
}
