package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/graphio"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// putFlowHandler validates and stores the graph documents in the body. JSON
// and YAML are accepted; campaigns are rejected here.
func (s *Server) putFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	b, err := graphio.Load(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.putFlowHandler: invalid graph document", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Invalid graph document: %v", err)))
		return
	}
	if len(b.Graphs) == 0 || len(b.Campaigns) > 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Body must contain graph documents only"))
		return
	}
	if err := graphio.Import(r.Context(), s.store, b); err != nil {
		slog.Error("Server.putFlowHandler: failed to store graphs", "error", err)
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(b.Graphs))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	kind := models.GraphKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.IsValid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Unknown graph kind %q", kind)))
		return
	}
	graphs, err := s.store.ListGraphs(r.Context(), kind)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list graphs", "error", err)
		writeStoreError(w, err)
		return
	}
	if graphs == nil {
		graphs = []models.FlowGraph{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(graphs))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGraph(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(g))
}

// graphKinds resolves graph ids against the store for level checks.
func (s *Server) graphKinds(ctx context.Context) func(id string) (models.GraphKind, bool) {
	return func(id string) (models.GraphKind, bool) {
		g, err := s.store.GetGraph(ctx, id)
		if err != nil {
			return "", false
		}
		return g.Kind, true
	}
}

// checkLevels verifies that every level of c is a stored level graph.
func (s *Server) checkLevels(ctx context.Context, c *models.Campaign) error {
	b := &graphio.Bundle{Campaigns: []*models.Campaign{c}}
	return b.Check(s.graphKinds(ctx))
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var c models.Campaign
	if err := dec.Decode(&c); err != nil {
		slog.Warn("Server.createCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, err := s.store.GetCampaign(r.Context(), c.ID); err == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(fmt.Sprintf("Campaign %s already exists", c.ID)))
		return
	}
	if err := c.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.checkLevels(r.Context(), &c); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.PutCampaign(r.Context(), &c); err != nil {
		slog.Error("Server.createCampaignHandler: failed to store campaign", "campaign", c.ID, "error", err)
		writeStoreError(w, err)
		return
	}
	slog.Info("Server.createCampaignHandler: campaign created", "campaign", c.ID, "levels", len(c.Levels))
	writeJSONResponse(w, http.StatusCreated, models.Success(c))
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err)
		writeStoreError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// campaignPatch is the body of PATCH /campaigns/{id}. Absent fields are left
// unchanged.
type campaignPatch struct {
	Name   *string   `json:"name"`
	Levels *[]string `json:"levels"`
}

func (s *Server) updateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := chi.URLParam(r, "id")
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var p campaignPatch
	if err := dec.Decode(&p); err != nil {
		slog.Warn("Server.updateCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var upd models.CampaignUpdate
	if p.Name != nil {
		upd.Name = models.Set(*p.Name)
	}
	if p.Levels != nil {
		upd.Levels = models.Set(*p.Levels)
		probe := &models.Campaign{ID: id, Levels: *p.Levels}
		if err := s.checkLevels(r.Context(), probe); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	c, err := s.store.UpdateCampaign(r.Context(), id, upd)
	if err != nil {
		slog.Warn("Server.updateCampaignHandler: update failed", "campaign", id, "error", err)
		writeStoreError(w, err)
		return
	}
	slog.Info("Server.updateCampaignHandler: campaign updated", "campaign", id)
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) deleteCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteCampaign(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("Server.deleteCampaignHandler: campaign deleted", "campaign", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Campaign deleted", nil))
}

// userKey reads the canonical user key from the path.
func userKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := messaging.CanonicalizeRecipient(chi.URLParam(r, "key"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return "", false
	}
	return key, true
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := userKey(w, r)
	if !ok {
		return
	}
	sess, err := s.users.Session(r.Context(), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// deleteUserHandler erases the user's session and cancels their nudge. It
// runs under the user's lock so no walk is in flight.
func (s *Server) deleteUserHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := userKey(w, r)
	if !ok {
		return
	}
	err := s.dispatcher.Locked(r.Context(), key, func(ctx context.Context) error {
		return s.users.EraseUser(ctx, key)
	})
	if err != nil {
		slog.Error("Server.deleteUserHandler: erase failed", "user", key, "error", err)
		writeStoreError(w, err)
		return
	}
	slog.Info("Server.deleteUserHandler: user erased", "user", key)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User data deleted", nil))
}

func (s *Server) resetUserHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := userKey(w, r)
	if !ok {
		return
	}
	var sess *models.Session
	err := s.dispatcher.Locked(r.Context(), key, func(ctx context.Context) error {
		var err error
		sess, err = s.users.ResetUser(ctx, key)
		return err
	})
	if errors.Is(err, flow.ErrNoDefaultCampaign) {
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.resetUserHandler: reset failed", "user", key, "error", err)
		writeStoreError(w, err)
		return
	}
	slog.Info("Server.resetUserHandler: user reset", "user", key, "level", sess.CurrentLevelID)
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// drainHandler runs one budgeted drain for external schedulers.
func (s *Server) drainHandler(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Nudge drain is not enabled"))
		return
	}
	res, err := s.drainer.Run(r.Context())
	if err != nil {
		slog.Error("Server.drainHandler: drain failed", "error", err, "processed", res.Processed)
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: "Drain failed",
			Result:  res,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if campaigns, err := s.store.ListCampaigns(ctx); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach the store"
	} else {
		healthData["campaigns"] = len(campaigns)
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
