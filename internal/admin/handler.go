package admin

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"anidex/internal/admission"
	"anidex/internal/db"
	"anidex/internal/keygen"
	"anidex/internal/model"
	"anidex/internal/stats"

	"github.com/gin-gonic/gin"
)

// Handler serves the admin JSON API: key provisioning and the usage
// dashboards. Every mutation invalidates the admission key cache so a
// change takes effect without waiting for the next scheduled refresh.
type Handler struct {
	db       db.Service
	cache    *admission.KeyCache
	reporter *stats.Reporter
	logger   *slog.Logger
}

func NewHandler(dbService db.Service, cache *admission.KeyCache, reporter *stats.Reporter, logger *slog.Logger) *Handler {
	return &Handler{
		db:       dbService,
		cache:    cache,
		reporter: reporter,
		logger:   logger.With("component", "admin"),
	}
}

// CreateKeyRequest is the provisioning payload.
type CreateKeyRequest struct {
	Name             string   `json:"name"`
	MonthlyLimit     int      `json:"monthlyLimit"`
	Whitelisted      bool     `json:"whitelisted"`
	DiscordID        string   `json:"discordId"`
	RateLimit        int      `json:"rateLimit"`
	BlacklistedIPs   []string `json:"blacklistedIPs"`
	AllowedEndpoints []string `json:"allowedEndpoints"`
}

type keyWithUsage struct {
	model.APIKey
	UsagePercentage float64 `json:"usagePercentage"`
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
		return
	}
	if req.Name == "" || req.MonthlyLimit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Name and monthlyLimit are required"})
		return
	}

	// One key per Discord account: repeat requests return the existing key.
	if req.DiscordID != "" {
		existing, err := h.db.FindAPIKeyByDiscordID(req.DiscordID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "key": existing})
			return
		}
		if !errors.Is(err, db.ErrKeyNotFound) {
			h.logger.Error("Discord id lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to create key"})
			return
		}
	}

	rawKey, err := keygen.New()
	if err != nil {
		h.logger.Error("Key generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to create key"})
		return
	}

	record := model.APIKey{
		Key:              rawKey,
		Name:             req.Name,
		Whitelisted:      req.Whitelisted,
		MonthlyLimit:     req.MonthlyLimit,
		RateLimit:        req.RateLimit,
		BlacklistedIPs:   req.BlacklistedIPs,
		AllowedEndpoints: req.AllowedEndpoints,
	}
	if record.MonthlyLimit == 0 {
		record.MonthlyLimit = 1000
	}
	if req.DiscordID != "" {
		record.DiscordID = &req.DiscordID
	}

	if err := h.db.CreateAPIKey(&record); err != nil {
		h.logger.Error("Key creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to create key"})
		return
	}

	h.logger.Info("API key created", "id", record.ID, "name", record.Name)
	c.JSON(http.StatusOK, gin.H{"success": true, "key": record})
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	keys, err := h.db.ListAPIKeys()
	if err != nil {
		h.logger.Error("Key listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to list keys"})
		return
	}

	withUsage := make([]keyWithUsage, len(keys))
	for i, key := range keys {
		withUsage[i] = keyWithUsage{APIKey: key, UsagePercentage: key.UsagePercentage()}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keys": withUsage})
}

func (h *Handler) GetKeyHandler(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	key, err := h.db.GetAPIKey(id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
			return
		}
		h.logger.Error("Key fetch failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

func (h *Handler) DeleteKeyHandler(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	key, err := h.db.GetAPIKey(id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
			return
		}
		h.logger.Error("Key fetch failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to delete key"})
		return
	}
	if err := h.db.DeleteAPIKey(id); err != nil {
		h.logger.Error("Key deletion failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to delete key"})
		return
	}
	h.cache.Invalidate(key.Key)
	h.logger.Info("API key deleted", "id", id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Key deleted successfully"})
}

func (h *Handler) GetKeyIPsHandler(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	key, err := h.db.GetAPIKey(id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
			return
		}
		h.logger.Error("Key fetch failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch key"})
		return
	}
	ips := key.BlacklistedIPs
	if ips == nil {
		ips = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "blacklistedIPs": ips})
}

type updateIPsRequest struct {
	IPs []string `json:"ips"`
}

func (h *Handler) UpdateKeyIPsHandler(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	var req updateIPsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
		return
	}
	for _, ip := range req.IPs {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid IP addresses detected"})
			return
		}
	}

	key, err := h.db.GetAPIKey(id)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
			return
		}
		h.logger.Error("Key fetch failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update IPs"})
		return
	}
	if err := h.db.UpdateAPIKeyBlacklist(id, req.IPs); err != nil {
		h.logger.Error("Blacklist update failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update IPs"})
		return
	}
	h.cache.Invalidate(key.Key)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "IPs updated successfully"})
}

func (h *Handler) DashboardStatsHandler(c *gin.Context) {
	overview, err := h.reporter.Overview(stats.DefaultWindowDays)
	if err != nil {
		h.logger.Error("Dashboard stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to compute dashboard stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"totalRequests": overview.TotalRequests,
		"activeKeys":    overview.ActiveKeys,
		"averageUsage":  overview.AverageUsage,
		"highUsageKeys": overview.HighUsageKeys,
		"timeSeries":    overview.TimeSeries,
	})
}

func (h *Handler) IPUsageHandler(c *gin.Context) {
	ipStats, err := h.reporter.TopIPs(20)
	if err != nil {
		h.logger.Error("IP usage stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to compute ip stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "ipStats": ipStats})
}

func (h *Handler) APIUsageHandler(c *gin.Context) {
	keyIDStr := c.Query("keyId")
	if keyIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing keyId parameter"})
		return
	}
	keyID, err := strconv.ParseUint(keyIDStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid keyId parameter"})
		return
	}

	key, err := h.db.GetAPIKey(uint(keyID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "API key not found"})
			return
		}
		h.logger.Error("Key fetch failed", "id", keyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch key"})
		return
	}

	usage, err := h.reporter.PerKeyUsage(uint(keyID), stats.DefaultWindowDays)
	if err != nil {
		h.logger.Error("Per-key usage failed", "id", keyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to compute usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"key":     key,
		"data":    usage.DailyCounts,
		"ipUsage": usage.IPBreakdown,
	})
}

func (h *Handler) keyID(c *gin.Context) (uint, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid key ID: must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}
