package models

import (
	"gorm.io/gorm"
)

func (u *User) AfterCreate(tx *gorm.DB) (err error) {
	if u.Role != UserRoleAdmin {
		if err := createHistory(tx, "REGISTER", u.ID, "users", nil, u, "created user"); err != nil {
			return err
		}
		return u.RemoveAllRedis()
	}

	// Platform admins carry no tenant, so the row is recorded against the
	// user itself instead of the request context.
	history := History{
		ArtisanId:     u.ArtisanId,
		ActionType:    "REGISTER",
		ReferenceID:   u.ID,
		ReferenceType: "users",
		Description:   "created admin user",
		UserId:        u.ID,
		UserName:      u.Name,
	}
	if err := tx.Create(&history).Error; err != nil {
		return err
	}

	return u.RemoveAllRedis()
}

func (u *User) BeforeUpdate(tx *gorm.DB) (err error) {
	if err := SaveHistoryUpdate(tx, u.ID, u, "Updated User"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(*u); err != nil {
		return err
	}

	return nil
}

func (u *User) AfterDelete(tx *gorm.DB) (err error) {
	if err := SaveHistoryDelete(tx, u.ID, u, "Deleted User"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(*u); err != nil {
		return err
	}

	return nil
}
