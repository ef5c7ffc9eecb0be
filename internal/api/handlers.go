package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/cache"
	"github.com/manpreetbhatti/roomsync/internal/catalog"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/gateway"
	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
	"github.com/manpreetbhatti/roomsync/internal/ws"
)

type API struct {
	database *db.Database
	gateway  *gateway.Gateway
	hub      *ws.Hub
	catalog  *catalog.Resolver
	sockets  *ws.Server
	mirror   PresenceReader
	log      *logrus.Entry
}

// PresenceReader exposes the shared presence mirror.
type PresenceReader interface {
	Members(ctx context.Context, projectID string) ([]cache.Member, error)
}

func New(database *db.Database, gw *gateway.Gateway, hub *ws.Hub, resolver *catalog.Resolver, sockets *ws.Server) *API {
	return &API{
		database: database,
		gateway:  gw,
		hub:      hub,
		catalog:  resolver,
		sockets:  sockets,
		log:      logrus.WithField("component", "api"),
	}
}

// WithPresence enables the presence endpoint backed by the shared mirror.
func (a *API) WithPresence(mirror PresenceReader) *API {
	a.mirror = mirror
	return a
}

// Router mounts every route on a fresh engine.
func (a *API) Router(allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())
	r.Use(cors.New(corsConfig(allowedOrigins)))

	r.GET("/health", a.HealthHandler)
	r.GET("/ws", gin.WrapF(a.sockets.ServeWs))

	api := r.Group("/api")
	api.GET("/stats", a.StatsHandler)

	projects := api.Group("/projects")
	projects.GET("", a.ListProjectsHandler)
	projects.POST("", a.CreateProjectHandler)
	projects.GET("/:id", a.GetProjectHandler)
	projects.DELETE("/:id", a.DeleteProjectHandler)
	projects.GET("/:id/state", a.ProjectStateHandler)
	projects.GET("/:id/participants", a.ParticipantsHandler)
	projects.GET("/:id/presence", a.PresenceHandler)

	api.GET("/catalog", a.ListCatalogHandler)
	api.POST("/catalog", a.UpsertCatalogHandler)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-User-ID", "X-User-Name")
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Request handled")
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	registry := a.gateway.Registry()
	stats := gin.H{
		"active_rooms":    registry.RoomCount(),
		"active_sessions": registry.SessionCount(),
		"active_clients":  a.hub.ClientCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(c.Request.Context())
	if err == nil {
		stats["total_projects"] = dbStats["project_count"]
		stats["total_furniture"] = dbStats["furniture_count"]
		stats["catalog_items"] = dbStats["catalog_count"]
	} else {
		a.log.WithError(err).Warn("Failed to read database stats")
	}

	c.JSON(http.StatusOK, stats)
}

// Project handlers

type ProjectResponse struct {
	db.Project
	ActiveUsers int `json:"active_users"`
}

type CreateProjectRequest struct {
	ID             string           `json:"id"`
	Name           string           `json:"name,omitempty"`
	Template       string           `json:"template,omitempty"`
	RoomDimensions *geom.Dimensions `json:"room_dimensions,omitempty"`
}

func (a *API) activeUsers(projectID string) int {
	rm, err := a.gateway.Registry().Get(projectID)
	if err != nil {
		return 0
	}
	rm.Lock()
	defer rm.Unlock()
	return rm.Len()
}

func (a *API) ListProjectsHandler(c *gin.Context) {
	limit, offset := pagination(c)

	projects, err := a.database.ListProjects(c.Request.Context(), limit, offset)
	if err != nil {
		a.log.WithError(err).Error("Failed to list projects")
		errorResponse(c, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	response := make([]ProjectResponse, len(projects))
	for i, p := range projects {
		response[i] = ProjectResponse{Project: p, ActiveUsers: a.activeUsers(p.ID)}
	}

	c.JSON(http.StatusOK, gin.H{
		"projects": response,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateProjectHandler(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ID == "" {
		errorResponse(c, http.StatusBadRequest, "Project ID is required")
		return
	}

	p := db.Project{ID: req.ID, Name: req.Name, Template: req.Template}
	if req.RoomDimensions != nil {
		if !req.RoomDimensions.Valid() {
			errorResponse(c, http.StatusBadRequest, "Room dimensions must be positive")
			return
		}
		p.Dimensions = *req.RoomDimensions
	}

	project, err := a.database.CreateProject(c.Request.Context(), p)
	if errors.Is(err, db.ErrInvalidProject) {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.log.WithError(err).Error("Failed to create project")
		errorResponse(c, http.StatusInternalServerError, "Failed to create project")
		return
	}

	c.JSON(http.StatusCreated, ProjectResponse{Project: *project, ActiveUsers: a.activeUsers(project.ID)})
}

func (a *API) GetProjectHandler(c *gin.Context) {
	id := c.Param("id")
	project, err := a.database.GetProject(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get project")
		return
	}
	if project == nil {
		errorResponse(c, http.StatusNotFound, "Project not found")
		return
	}
	c.JSON(http.StatusOK, ProjectResponse{Project: *project, ActiveUsers: a.activeUsers(id)})
}

func (a *API) DeleteProjectHandler(c *gin.Context) {
	id := c.Param("id")
	if a.activeUsers(id) > 0 {
		errorResponse(c, http.StatusConflict, "Project has active participants")
		return
	}

	found, err := a.database.DeleteProject(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to delete project")
		return
	}
	if !found {
		errorResponse(c, http.StatusNotFound, "Project not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Project deleted"})
}

// ProjectStateHandler serves the live room state when the room is open and
// the stored layout otherwise.
func (a *API) ProjectStateHandler(c *gin.Context) {
	id := c.Param("id")

	snap, err := a.gateway.Snapshot(id)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"source": "live", "state": snap})
		return
	}
	if !errors.Is(err, room.ErrRoomNotFound) {
		errorResponse(c, http.StatusInternalServerError, "Failed to read room state")
		return
	}

	ctx := c.Request.Context()
	project, err := a.database.GetProject(ctx, id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get project")
		return
	}
	if project == nil {
		errorResponse(c, http.StatusNotFound, "Project not found")
		return
	}
	dims, objects, err := a.database.Load(ctx, id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to load layout")
		return
	}
	if objects == nil {
		objects = []scene.Object{}
	}
	c.JSON(http.StatusOK, gin.H{"source": "stored", "state": protocol.Snapshot{
		ProjectID:      id,
		RoomDimensions: dims,
		Furniture:      objects,
	}})
}

func (a *API) ParticipantsHandler(c *gin.Context) {
	users, err := a.gateway.Registry().ListParticipants(c.Param("id"))
	if errors.Is(err, room.ErrRoomNotFound) {
		users = []protocol.Participant{}
	} else if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list participants")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// PresenceHandler lists the sessions recorded in the shared mirror, which
// includes sessions held by other server processes.
func (a *API) PresenceHandler(c *gin.Context) {
	if a.mirror == nil {
		errorResponse(c, http.StatusNotImplemented, "Presence mirror is not configured")
		return
	}
	members, err := a.mirror.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.log.WithError(err).Warn("Failed to read presence mirror")
		errorResponse(c, http.StatusBadGateway, "Failed to read presence")
		return
	}
	if members == nil {
		members = []cache.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// Catalog handlers

func (a *API) ListCatalogHandler(c *gin.Context) {
	items, err := a.database.ListCatalog(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list catalog")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *API) UpsertCatalogHandler(c *gin.Context) {
	var item db.CatalogItem
	if err := c.ShouldBindJSON(&item); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if item.Ref == "" {
		errorResponse(c, http.StatusBadRequest, "ref is required")
		return
	}
	if item.Extent.X <= 0 || item.Extent.Y <= 0 || item.Extent.Z <= 0 {
		errorResponse(c, http.StatusBadRequest, "extent must be positive")
		return
	}

	ctx := c.Request.Context()
	if err := a.database.UpsertCatalogItem(ctx, item); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to save catalog item")
		return
	}
	a.catalog.Invalidate(item.Ref)

	saved, err := a.database.GetCatalogItem(ctx, item.Ref)
	if err != nil || saved == nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get catalog item")
		return
	}
	c.JSON(http.StatusCreated, saved)
}
