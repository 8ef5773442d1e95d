package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/nektus/exchange-server-go/internal/model"
)

type ProfileRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
	Upsert(ctx context.Context, params model.UpsertProfileParams) (*model.Profile, error)
}

type profileRepo struct {
	db *sqlx.DB
}

func NewProfileRepository(db *sqlx.DB) ProfileRepository {
	return &profileRepo{db: db}
}

func (r *profileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM profiles WHERE user_id = $1
	`, userID)
	return HandleNotFound(&p, err)
}

func (r *profileRepo) Upsert(ctx context.Context, params model.UpsertProfileParams) (*model.Profile, error) {
	var p model.Profile
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO profiles (user_id, name, title, company, email, personal_email, phone, socials, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			title = EXCLUDED.title,
			company = EXCLUDED.company,
			email = EXCLUDED.email,
			personal_email = EXCLUDED.personal_email,
			phone = EXCLUDED.phone,
			socials = EXCLUDED.socials,
			updated_at = NOW()
		RETURNING *
	`, params.UserID, params.Name, params.Title, params.Company,
		params.Email, params.PersonalEmail, params.Phone, params.Socials)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
