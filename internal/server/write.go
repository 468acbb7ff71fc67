package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/store"
)

type evidenceBody struct {
	Items []model.EvidenceItem `json:"items"`
}

type sectionsBody struct {
	Version  int             `json:"version"`
	Sections []model.Section `json:"sections"`
}

// peptideID reads and validates the :id parameter
func peptideID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := model.ValidatePeptideID(id); err != nil {
		fail(c, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	s.logger.Error("store write failed", "path", c.FullPath(), "error", err)
	fail(c, http.StatusInternalServerError, err)
}

func (s *Server) handleMigrate(c *gin.Context) {
	if err := s.store.Migrate(c.Request.Context()); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	snap, err := s.store.Snapshot(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePublished(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	pub, err := s.store.Published(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pub)
}

func (s *Server) handleAuditLog(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	entries, err := s.store.AuditLog(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleUpsertPeptide(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	var p store.Peptide
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode peptide: %w", err))
		return
	}
	if p.ID != id {
		fail(c, http.StatusBadRequest, fmt.Errorf("peptide id %q does not match path %q", p.ID, id))
		return
	}
	if err := s.store.UpsertPeptide(c.Request.Context(), p); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReplaceEvidence(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	var body evidenceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode evidence: %w", err))
		return
	}
	if err := s.store.ReplaceEvidence(c.Request.Context(), id, body.Items); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReplaceSections(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	var body sectionsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode sections: %w", err))
		return
	}
	if err := s.store.ReplaceSections(c.Request.Context(), id, body.Version, body.Sections); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAppendAudit(c *gin.Context) {
	var e store.AuditEntry
	if err := c.ShouldBindJSON(&e); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("decode audit entry: %w", err))
		return
	}
	if e.ID == "" {
		fail(c, http.StatusBadRequest, errors.New("audit entry id is required"))
		return
	}
	if err := model.ValidatePeptideID(e.PeptideID); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.store.AppendAudit(c.Request.Context(), e); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeletePeptide(c *gin.Context) {
	id, ok := peptideID(c)
	if !ok {
		return
	}
	if err := s.store.DeletePeptide(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
