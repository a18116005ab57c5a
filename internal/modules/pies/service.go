package pies

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/weights"
)

// EventPublisher receives hierarchy change notifications
type EventPublisher interface {
	PublishWeightsChanged(portfolioID string)
}

// Service orchestrates hierarchy mutations. Every target weight passes
// through the weight ledger while the sibling lock is held, so concurrent
// edits under one parent serialize and the 100 cap holds.
type Service struct {
	repo      *Repository
	ledger    *weights.Ledger
	publisher EventPublisher
	log       zerolog.Logger
}

// NewService creates a new hierarchy service
func NewService(repo *Repository, ledger *weights.Ledger, publisher EventPublisher, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		log:       log.With().Str("service", "pies").Logger(),
	}
}

// CreatePortfolio creates a portfolio root
func (s *Service) CreatePortfolio(userID, name, description, accountType, brokerAccountID string) (*Portfolio, error) {
	if name == "" {
		return nil, fmt.Errorf("portfolio name is required")
	}
	now := time.Now().UTC()
	p := &Portfolio{
		ID:              uuid.New().String(),
		UserID:          userID,
		Name:            name,
		Description:     description,
		AccountType:     accountType,
		BrokerAccountID: brokerAccountID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreatePortfolio(p); err != nil {
		return nil, err
	}
	s.log.Info().Str("portfolio_id", p.ID).Str("name", name).Msg("Portfolio created")
	return p, nil
}

// CreatePie adds a pie under a portfolio, validating its weight against
// the active siblings.
func (s *Service) CreatePie(portfolioID, name, description, color, icon string, targetWeight float64, displayOrder int) (*Pie, error) {
	if name == "" {
		return nil, fmt.Errorf("pie name is required")
	}
	parent, err := s.repo.GetPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("portfolio %s not found", portfolioID)
	}

	now := time.Now().UTC()
	if color == "" {
		color = "#3B82F6"
	}
	p := &Pie{
		ID:           uuid.New().String(),
		PortfolioID:  portfolioID,
		Name:         name,
		Description:  description,
		Color:        color,
		Icon:         icon,
		TargetWeight: targetWeight,
		DisplayOrder: displayOrder,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.ledger.ValidateAndApply(weights.LevelPortfolio, portfolioID, targetWeight, p.ID, func() error {
		return s.repo.CreatePie(p)
	})
	if err != nil {
		return nil, err
	}

	s.notifyWeightsChanged(portfolioID)
	s.log.Info().Str("pie_id", p.ID).Float64("target_weight", targetWeight).Msg("Pie created")
	return p, nil
}

// UpdatePie rewrites a pie. The weight check excludes the pie's own
// current weight, so lowering or keeping a weight always passes.
func (s *Service) UpdatePie(p *Pie) (*Pie, error) {
	existing, err := s.repo.GetPie(p.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("pie %s not found", p.ID)
	}
	p.PortfolioID = existing.PortfolioID

	// Deactivated pies carry no weight; skip the ledger
	candidate := p.TargetWeight
	if !p.IsActive {
		candidate = 0
	}

	err = s.ledger.ValidateAndApply(weights.LevelPortfolio, p.PortfolioID, candidate, p.ID, func() error {
		return s.repo.UpdatePie(p)
	})
	if err != nil {
		return nil, err
	}

	s.notifyWeightsChanged(p.PortfolioID)
	return p, nil
}

// DeletePie removes a pie and everything under it
func (s *Service) DeletePie(id string) error {
	existing, err := s.repo.GetPie(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("pie %s not found", id)
	}
	if err := s.repo.DeletePie(id); err != nil {
		return err
	}
	s.notifyWeightsChanged(existing.PortfolioID)
	s.log.Info().Str("pie_id", id).Msg("Pie deleted")
	return nil
}

// CreateSlice adds an instrument to a pie, validating its weight against
// the pie's active slices.
func (s *Service) CreateSlice(pieID, symbol, name string, targetWeight float64, positionType domain.PositionType, displayOrder int, notes string) (*Slice, error) {
	if symbol == "" {
		return nil, fmt.Errorf("slice symbol is required")
	}
	if positionType == "" {
		positionType = domain.PositionFull
	}
	if !positionType.Valid() {
		return nil, fmt.Errorf("invalid position type: %s", positionType)
	}
	parent, err := s.repo.GetPie(pieID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("pie %s not found", pieID)
	}

	now := time.Now().UTC()
	sl := &Slice{
		ID:           uuid.New().String(),
		PieID:        pieID,
		Symbol:       symbol,
		Name:         name,
		TargetWeight: targetWeight,
		PositionType: positionType,
		DisplayOrder: displayOrder,
		Notes:        notes,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.ledger.ValidateAndApply(weights.LevelPie, pieID, targetWeight, sl.ID, func() error {
		return s.repo.CreateSlice(sl)
	})
	if err != nil {
		return nil, err
	}

	s.notifyWeightsChanged(parent.PortfolioID)
	s.log.Info().Str("slice_id", sl.ID).Str("symbol", symbol).Float64("target_weight", targetWeight).Msg("Slice created")
	return sl, nil
}

// UpdateSlice rewrites a slice under the pie's weight lock
func (s *Service) UpdateSlice(sl *Slice) (*Slice, error) {
	existing, err := s.repo.GetSlice(sl.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("slice %s not found", sl.ID)
	}
	sl.PieID = existing.PieID
	if sl.PositionType == "" {
		sl.PositionType = existing.PositionType
	}
	if !sl.PositionType.Valid() {
		return nil, fmt.Errorf("invalid position type: %s", sl.PositionType)
	}

	candidate := sl.TargetWeight
	if !sl.IsActive {
		candidate = 0
	}

	err = s.ledger.ValidateAndApply(weights.LevelPie, sl.PieID, candidate, sl.ID, func() error {
		return s.repo.UpdateSlice(sl)
	})
	if err != nil {
		return nil, err
	}

	parent, err := s.repo.GetPie(sl.PieID)
	if err == nil && parent != nil {
		s.notifyWeightsChanged(parent.PortfolioID)
	}
	return sl, nil
}

// DeleteSlice removes a slice; its deferred balances are forfeited by the
// allocation module, not here.
func (s *Service) DeleteSlice(id string) error {
	existing, err := s.repo.GetSlice(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("slice %s not found", id)
	}
	if err := s.repo.DeleteSlice(id); err != nil {
		return err
	}
	parent, err := s.repo.GetPie(existing.PieID)
	if err == nil && parent != nil {
		s.notifyWeightsChanged(parent.PortfolioID)
	}
	s.log.Info().Str("slice_id", id).Msg("Slice deleted")
	return nil
}

// GetPieWithSlices returns a pie and its slices for the expanded view
func (s *Service) GetPieWithSlices(pieID string) (*PieWithSlices, error) {
	p, err := s.repo.GetPie(pieID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pie %s not found", pieID)
	}
	slices, err := s.repo.ListSlices(pieID)
	if err != nil {
		return nil, err
	}
	out := &PieWithSlices{Pie: *p}
	for _, sl := range slices {
		out.Slices = append(out.Slices, *sl)
	}
	return out, nil
}

func (s *Service) notifyWeightsChanged(portfolioID string) {
	if s.publisher != nil {
		s.publisher.PublishWeightsChanged(portfolioID)
	}
}
