package repository

import "gorm.io/gorm"

// NewRepositories wires all GORM-backed repositories from one DB handle.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Users: NewUserRepository(db),
		Jobs:  NewJobRepository(db),
	}
}
