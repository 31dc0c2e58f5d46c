package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/logger"
	"heartline/middleware"
	"heartline/models"
)

type profileRequest struct {
	Name        string           `json:"name" binding:"required,max=60"`
	Age         int              `json:"age" binding:"required,gte=18,lte=120"`
	Bio         string           `json:"bio" binding:"max=500"`
	Photos      []string         `json:"photos" binding:"max=9,dive,url"`
	Orientation string           `json:"orientation"`
	Tribe       string           `json:"tribe"`
	Location    *models.Location `json:"location"`
	Interests   []string         `json:"interests" binding:"max=20"`
	LookingFor  []string         `json:"lookingFor"`
}

type settingsRequest struct {
	Visible       *bool `json:"visible"`
	ShowDistance  *bool `json:"showDistance"`
	AgeMin        int   `json:"ageMin" binding:"omitempty,gte=18,lte=120"`
	AgeMax        int   `json:"ageMax" binding:"omitempty,gte=18,lte=120"`
	MaxDistanceKm int   `json:"maxDistanceKm" binding:"omitempty,gte=1,lte=20000"`
}

type upsertMeRequest struct {
	Profile  profileRequest  `json:"profile" binding:"required"`
	Settings settingsRequest `json:"settings"`
}

func (r settingsRequest) toModel() models.Settings {
	s := models.Settings{
		Visible:       true,
		ShowDistance:  true,
		AgeMin:        r.AgeMin,
		AgeMax:        r.AgeMax,
		MaxDistanceKm: r.MaxDistanceKm,
	}
	if r.Visible != nil {
		s.Visible = *r.Visible
	}
	if r.ShowDistance != nil {
		s.ShowDistance = *r.ShowDistance
	}
	if s.AgeMin == 0 {
		s.AgeMin = 18
	}
	if s.AgeMax == 0 {
		s.AgeMax = 99
	}
	if s.MaxDistanceKm == 0 {
		s.MaxDistanceKm = 50
	}
	return s
}

// publicUser is what other users may see.
type publicUser struct {
	ID       string         `json:"id"`
	Profile  models.Profile `json:"profile"`
	IsOnline bool           `json:"isOnline"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// UpsertMe creates or updates the caller's profile and settings. New
// accounts start active on the free tier.
func (h *Handler) UpsertMe(c *gin.Context) {
	var req upsertMeRequest
	if !bind(c, &req) {
		return
	}
	settings := req.Settings.toModel()
	if settings.AgeMin > settings.AgeMax {
		middleware.RespondError(c, apperr.Validation("ageMin", "must not exceed ageMax"))
		return
	}

	userID := middleware.UserID(c)
	now := h.now()
	p := req.Profile
	u := &models.User{
		ID: userID,
		Profile: models.Profile{
			Name:        strings.TrimSpace(p.Name),
			Age:         p.Age,
			Bio:         p.Bio,
			Photos:      nonNil(p.Photos),
			Orientation: p.Orientation,
			Tribe:       p.Tribe,
			Location:    p.Location,
			Interests:   nonNil(p.Interests),
			LookingFor:  nonNil(p.LookingFor),
		},
		Settings:     settings,
		Subscription: models.Subscription{Tier: models.TierFree},
		Status:       models.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.Users.Upsert(ctx, u); err != nil {
		middleware.RespondError(c, apperr.FromStore("upsert user", err))
		return
	}
	stored, err := h.loadUser(ctx, userID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	logger.Info().Str("user_id", userID).Msg("Profile saved")
	c.JSON(http.StatusOK, gin.H{"success": true, "user": stored})
}

func (h *Handler) GetMe(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	u, err := h.loadUser(ctx, middleware.UserID(c))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    u,
		"premium": u.Subscription.IsPremium(h.now()),
	})
}

// GetUser returns another user's public profile. Banned accounts are hidden.
func (h *Handler) GetUser(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	id := c.Param("id")
	u, err := h.loadUser(ctx, id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if u.Status == models.StatusBanned {
		middleware.RespondError(c, apperr.NotFound("user", id))
		return
	}
	out := publicUser{ID: u.ID, Profile: u.Profile, IsOnline: u.IsOnline}
	if !u.LastSeen.IsZero() {
		lastSeen := u.LastSeen
		out.LastSeen = &lastSeen
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": out})
}

type reportRequest struct {
	Reason string `json:"reason" binding:"required,max=1000"`
}

func (h *Handler) ReportUser(c *gin.Context) {
	var req reportRequest
	if !bind(c, &req) {
		return
	}
	reporter := middleware.UserID(c)
	target := c.Param("id")
	if target == reporter {
		middleware.RespondError(c, apperr.Validation("id", "cannot report yourself"))
		return
	}

	ctx, cancel := h.ctx(c)
	defer cancel()
	if _, err := h.loadUser(ctx, target); err != nil {
		middleware.RespondError(c, err)
		return
	}
	report := models.Report{ReportedBy: reporter, Reason: strings.TrimSpace(req.Reason), Timestamp: h.now()}
	if err := h.Users.AddReport(ctx, target, report); err != nil {
		middleware.RespondError(c, apperr.FromStore("add report", err))
		return
	}

	logger.Warn().Str("reported_id", target).Str("reporter_id", reporter).Msg("User reported")
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
