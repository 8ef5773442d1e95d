package service

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nektus/exchange-server-go/internal/errors"
	"github.com/nektus/exchange-server-go/internal/model"
	"github.com/nektus/exchange-server-go/internal/repository"
)

type ProfileService struct {
	profileRepo  repository.ProfileRepository
	exchangeRepo repository.ExchangeRepository
}

func NewProfileService(
	profileRepo repository.ProfileRepository,
	exchangeRepo repository.ExchangeRepository,
) *ProfileService {
	return &ProfileService{
		profileRepo:  profileRepo,
		exchangeRepo: exchangeRepo,
	}
}

// FilterProfile returns a copy stripped down to the owner's selected sharing
// category.
func FilterProfile(p *model.Profile, category model.SharingCategory) *model.Profile {
	out := *p
	switch category {
	case model.SharingWork:
		out.PersonalEmail = ""
		out.Phone = ""
	case model.SharingPersonal:
		out.Title = ""
		out.Company = ""
		out.Email = ""
	}
	return &out
}

// Preview returns the opposite participant's profile for a match, filtered by
// the sharing category *they* selected when reporting their hit.
func (s *ProfileService) Preview(ctx context.Context, token, requesterSessionID string) (*model.Profile, error) {
	m, err := s.exchangeRepo.GetMatch(ctx, token)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if m == nil {
		return nil, apperrors.MatchNotFound()
	}

	otherSession := m.Other(requesterSessionID)
	if otherSession == "" {
		return nil, apperrors.MatchNotFound()
	}

	otherUser := m.UserA
	otherCategory := m.SharingCategoryA
	if otherSession == m.SessionB {
		otherUser = m.UserB
		otherCategory = m.SharingCategoryB
	}

	profile, err := s.profileRepo.FindByUserID(ctx, otherUser)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if profile == nil {
		return nil, apperrors.NotFound("Profile")
	}

	log.Debug().
		Str("token", token).
		Str("requesterSession", requesterSessionID).
		Str("category", string(otherCategory)).
		Msg("profile preview")

	return FilterProfile(profile, otherCategory), nil
}

func (s *ProfileService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.profileRepo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if profile == nil {
		return nil, apperrors.NotFound("Profile")
	}
	return profile, nil
}

func (s *ProfileService) Upsert(ctx context.Context, params model.UpsertProfileParams) (*model.Profile, error) {
	if params.UserID == "" {
		return nil, apperrors.MissingRequired("userId")
	}
	if params.Name == "" {
		return nil, apperrors.MissingRequired("name")
	}

	profile, err := s.profileRepo.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return profile, nil
}
