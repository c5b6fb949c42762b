package models

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	ArtisanId string    `gorm:"index" json:"artisan_id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     *string   `gorm:"size:100;unique" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Mobile    string    `gorm:"size:20" json:"mobile"`
	Password  string    `gorm:"size:255;not null" json:"password"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	Role      UserRole  `gorm:"type:enum('A', 'O', 'S');default:S" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	ArtisanId string   `json:"artisan_id"`
	Username  string   `json:"username" binding:"required"`
	Name      string   `binding:"required"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Mobile    string   `json:"mobile"`
	Password  string   `json:"password" binding:"required"`
	IsActive  *bool    `json:"is_active" binding:"required"`
	Role      UserRole `json:"role" binding:"required"`
}

/*
caches:
	User:$username
	UserAccountList:$artisanId
*/

func (user User) RemoveInstanceRedis() error {
	if err := config.RemoveRedisKey("User:" + user.Username); err != nil {
		return err
	}
	return nil
}

func (user User) RemoveAllRedis() error {
	if err := config.RemoveRedisKey("UserAccountList:" + user.ArtisanId); err != nil {
		return err
	}
	return nil
}

type LoginInfo struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	ArtisanId    string `json:"artisan_id"`
	ArtisanName  string `json:"artisan_name"`
	CurrencyCode string `json:"currency_code"`
	Timezone     string `json:"timezone"`
}

func (result *User) PrepareGive() {
	result.Password = ""
}

func (role UserRole) DisplayName() string {
	switch role {
	case UserRoleAdmin:
		return "Admin"
	case UserRoleOwner:
		return "Owner"
	default:
		return "Staff"
	}
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	err := config.RemoveRedisKey("Token:" + fmt.Sprint(token))
	if err != nil {
		return false, nil
	}
	// remove current token from tokens list
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return false, errors.New("user not found")
	}
	if err := config.RemoveRedisSetMember("Tokens:"+username, token); err != nil {
		return false, err
	}
	return true, nil
}

func ClearRedis(ctx context.Context) (string, error) {
	err := config.ClearRedis(ctx)
	if err != nil {
		return "Failed to clear redis", nil
	}
	return "OK", nil
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()
	var err error
	var result LoginInfo

	user := User{}

	// get User info
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return &result, err
	}
	if !exists {
		err = db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error

		if err != nil {
			return &result, errors.New("invalid username or password")
		}
	}

	// check login credentials
	err = utils.ComparePassword(user.Password, password)

	if err != nil && err == bcrypt.ErrMismatchedHashAndPassword {
		return &result, errors.New("invalid username or password")
	}

	isActive := *user.IsActive
	if !isActive {
		return &result, errors.New("user is disabled")
	}

	// generate token & response
	token := uuid.New()
	result.Token = token.String()
	result.Name = user.Username
	result.Role = user.Role.DisplayName()
	if user.Role != UserRoleAdmin {
		artisan, err := GetArtisanById(ctx, user.ArtisanId)
		if err != nil {
			return nil, err
		}
		if artisan.IsActive != nil && !*artisan.IsActive {
			return &result, errors.New("artisan account is suspended")
		}
		result.ArtisanId = artisan.ID.String()
		result.ArtisanName = artisan.Name
		result.CurrencyCode = artisan.CurrencyCode
		result.Timezone = artisan.Timezone
	}

	// store token in redis
	token_lifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil {
		return &result, err
	}

	// add new token to the user's tokens set
	if err := config.AddRedisSet("Tokens:"+user.Username, token.String()); err != nil {
		return nil, err
	}
	if err := config.SetRedisValue("Token:"+token.String(), user.Username, time.Duration(token_lifespan)*time.Hour); err != nil {
		return &result, err
	}

	return &result, nil
}

// AdminLogin issues a signed JWT for platform operators. Ops endpoints sit
// behind the bearer middleware, not the session token middleware.
func AdminLogin(ctx context.Context, username string, password string) (string, error) {
	db := config.GetDB()

	var user User
	if err := db.WithContext(ctx).Model(&User{}).
		Where("username = ? AND role = ?", username, UserRoleAdmin).
		Take(&user).Error; err != nil {
		return "", errors.New("invalid username or password")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return "", errors.New("invalid username or password")
	}
	if user.IsActive == nil || !*user.IsActive {
		return "", errors.New("user is disabled")
	}
	return utils.JwtGenerate(user.ID, user.Username, string(user.Role), user.ArtisanId)
}

func GetAllUsers(ctx context.Context) ([]*User, error) {

	db := config.GetDB()
	var results []*User

	if err := db.WithContext(ctx).Find(&results).Error; err != nil {
		return results, errors.New("no user")
	}

	for i, u := range results {
		u.Password = ""
		results[i] = u
	}

	return results, nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {

	db := config.GetDB()
	var count int64

	// non-admin callers can only create accounts inside their own tenant
	if artisanId, ok := utils.GetArtisanIdFromContext(ctx); ok && artisanId != "" {
		input.ArtisanId = artisanId
	}
	if input.ArtisanId == "" && input.Role != UserRoleAdmin {
		return &User{}, errors.New("artisan id is required")
	}
	if !input.Role.Valid() {
		return &User{}, errors.New("invalid role")
	}

	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return &User{}, errors.New("invalid email address")
	}

	err := db.WithContext(ctx).Model(&User{}).Where("username = ?", input.Username).Or("email = ?", input.Email).Count(&count).Error
	if err != nil {
		return &User{}, err
	}
	if count > 0 {
		return &User{}, errors.New("duplicate username or email")
	}

	hashedPassword, err := utils.HashPassword(input.Password)
	if err != nil {
		return &User{}, err
	}
	input.Email = strings.ToLower(input.Email)

	user := User{
		Username:  html.EscapeString(strings.TrimSpace(input.Username)),
		ArtisanId: input.ArtisanId,
		Name:      input.Name,
		Email:     utils.NilIfEmpty(input.Email),
		Phone:     input.Phone,
		Mobile:    input.Mobile,
		Password:  string(hashedPassword),
		IsActive:  input.IsActive,
		Role:      input.Role,
	}

	err = db.WithContext(ctx).Create(&user).Error
	if err != nil {
		return &User{}, err
	}
	if err := user.RemoveAllRedis(); err != nil {
		return &User{}, err
	}
	user.Password = ""
	return &user, nil
}

// CreateDefaultOwner runs inside the artisan registration transaction.
func CreateDefaultOwner(ctx context.Context, tx *gorm.DB, artisanId string, input NewArtisan) error {
	hashedPassword, err := utils.HashPassword(input.OwnerPassword)
	if err != nil {
		return err
	}
	ownerEmail := strings.ToLower(input.OwnerEmail)
	owner := User{
		Username:  html.EscapeString(strings.TrimSpace(input.OwnerUsername)),
		ArtisanId: artisanId,
		Name:      input.OwnerName,
		Email:     utils.NilIfEmpty(ownerEmail),
		Password:  string(hashedPassword),
		IsActive:  utils.NewTrue(),
		Role:      UserRoleOwner,
	}
	return tx.Create(&owner).Error
}

func GetUser(ctx context.Context, id int) (*User, error) {

	db := config.GetDB()
	var result User

	err := db.WithContext(ctx).First(&result, id).Error

	if err != nil {
		return &result, utils.ErrorRecordNotFound
	}

	result.PrepareGive()

	return &result, nil
}

func (input *User) UpdateUser(ctx context.Context, id int) (*User, error) {

	db := config.GetDB()
	var count int64

	err := db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return &User{}, err
	}
	if count <= 0 {
		return nil, utils.ErrorRecordNotFound
	}

	if err = db.WithContext(ctx).Model(&User{}).
		Where("username = ? OR email = ?", input.Username, input.Email).
		Not("id = ?", id).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return &User{}, errors.New("duplicate email or username")
	}

	input.ID = id
	err = db.WithContext(ctx).Model(&input).Updates(User{Name: input.Name, Email: input.Email, Username: input.Username, IsActive: input.IsActive}).Error
	if err != nil {
		return &User{}, err
	}
	input.Password = ""
	return input, nil
}

func (input *User) DeleteUser(ctx context.Context, id int) (*User, error) {

	db := config.GetDB()

	err := db.WithContext(ctx).Model(&User{}).Where("id = ?", id).First(&input).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	err = db.WithContext(ctx).Delete(&input).Error
	if err != nil {
		return &User{}, err
	}
	input.Password = ""
	return input, nil
}

func (user *User) DestroyAllSessions(ctx context.Context) error {
	allTokens, err := config.GetRedisSetMembers("Tokens:" + user.Username)
	if err != nil {
		return err
	}
	for _, token := range allTokens {
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			return err
		}
	}
	if err := config.RemoveRedisKey("Tokens:" + user.Username); err != nil {
		return err
	}

	return nil
}

func ChangePassword(ctx context.Context, oldPassword string, newPassword string) (*User, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	var user User
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&user, userId).Error; err != nil {
		return nil, err
	}
	// check oldPassword
	if err := utils.ComparePassword(user.Password, oldPassword); err != nil {
		return nil, errors.New("old password is wrong")
	}

	//turn password into hash
	hashedPassword, err := utils.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	newPassword = string(hashedPassword)

	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(&user).UpdateColumn("password", newPassword).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := config.RemoveRedisKey("User:" + user.Username); err != nil {
		tx.Rollback()
		return nil, err
	}

	// destroying all session tokens
	if err := user.DestroyAllSessions(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}

	return &user, tx.Commit().Error
}
