package profiles

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

// MaskedPassword replaces the password in every profile returned to callers.
const MaskedPassword = "***"

// Profile is a stored broker connection as exposed over the API.
type Profile struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	ManagementPort int       `json:"management_port"`
	Username       string    `json:"username"`
	Password       string    `json:"password"`
	VirtualHost    string    `json:"virtual_host"`
	UseSSL         bool      `json:"use_ssl"`
	Description    *string   `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IsActive       bool      `json:"is_active"`
}

// CreateRequest describes a new profile. Zero ports and an empty virtual
// host take the broker defaults.
type CreateRequest struct {
	Name           string  `json:"name"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	ManagementPort int     `json:"management_port"`
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	VirtualHost    string  `json:"virtual_host"`
	UseSSL         bool    `json:"use_ssl"`
	Description    *string `json:"description"`
}

func (r *CreateRequest) normalize() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Host = strings.TrimSpace(r.Host)
	if r.Port == 0 {
		r.Port = broker.DefaultPort
	}
	if r.ManagementPort == 0 {
		r.ManagementPort = broker.DefaultManagementPort
	}
	if r.VirtualHost == "" {
		r.VirtualHost = broker.DefaultVhost
	}

	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if r.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if r.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if r.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	errs = append(errs, checkPort("port", r.Port), checkPort("management_port", r.ManagementPort))
	return invalid(errs...)
}

// UpdateRequest is a partial update. Nil fields are left unchanged.
type UpdateRequest struct {
	Name           *string `json:"name"`
	Host           *string `json:"host"`
	Port           *int    `json:"port"`
	ManagementPort *int    `json:"management_port"`
	Username       *string `json:"username"`
	Password       *string `json:"password"`
	VirtualHost    *string `json:"virtual_host"`
	UseSSL         *bool   `json:"use_ssl"`
	Description    *string `json:"description"`
	IsActive       *bool   `json:"is_active"`
}

func (r UpdateRequest) apply(p *record) error {
	var errs []error
	if r.Name != nil {
		if p.Name = strings.TrimSpace(*r.Name); p.Name == "" {
			errs = append(errs, errors.New("name must not be empty"))
		}
	}
	if r.Host != nil {
		if p.Host = strings.TrimSpace(*r.Host); p.Host == "" {
			errs = append(errs, errors.New("host must not be empty"))
		}
	}
	if r.Port != nil {
		p.Port = *r.Port
		errs = append(errs, checkPort("port", p.Port))
	}
	if r.ManagementPort != nil {
		p.ManagementPort = *r.ManagementPort
		errs = append(errs, checkPort("management_port", p.ManagementPort))
	}
	if r.Username != nil {
		if p.Username = *r.Username; p.Username == "" {
			errs = append(errs, errors.New("username must not be empty"))
		}
	}
	if r.VirtualHost != nil {
		p.VirtualHost = *r.VirtualHost
		if p.VirtualHost == "" {
			p.VirtualHost = broker.DefaultVhost
		}
	}
	if r.UseSSL != nil {
		p.UseSSL = *r.UseSSL
	}
	if r.Description != nil {
		p.Description = r.Description
	}
	if r.IsActive != nil {
		p.IsActive = *r.IsActive
	}
	return invalid(errs...)
}

func checkPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", field)
	}
	return nil
}

func invalid(errs ...error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", rserrors.ErrInvalidProfile, err)
	}
	return nil
}

// record is a profile row with the password still encrypted.
type record struct {
	Profile
	passwordSealed string
}

func (r record) masked() Profile {
	p := r.Profile
	p.Password = MaskedPassword
	return p
}

func (r record) params(password string) broker.Params {
	return broker.Params{
		Host:           r.Host,
		Port:           r.Port,
		ManagementPort: r.ManagementPort,
		Username:       r.Username,
		Password:       password,
		Vhost:          r.VirtualHost,
		TLS:            r.UseSSL,
	}
}
