package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andyy0123/inbox-connector/internal/sync"
	"github.com/andyy0123/inbox-connector/internal/tenant"
)

func (s *Server) health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"auth":   s.verifier != nil,
	})
}

func (s *Server) bindRequest(c *gin.Context) (tenant.Request, bool) {
	var req tenant.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", tenant.ErrInvalidRequest, err))
		return req, false
	}
	return req, s.authorize(c, req.TenantID)
}

func (s *Server) initTenant(c *gin.Context) {
	req, valid := s.bindRequest(c)
	if !valid {
		return
	}

	res, err := s.tenants.Init(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusCreated, res)
}

func (s *Server) updateTenant(c *gin.Context) {
	req, valid := s.bindRequest(c)
	if !valid {
		return
	}

	if err := s.tenants.UpdateCredentials(c.Request.Context(), req); err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"tenant_id": req.TenantID})
}

// deleteTenant removes the tenant while holding its sync lock, so a run that
// starts concurrently is refused rather than racing the purge.
func (s *Server) deleteTenant(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	err := s.engine.WithTenant(tenantID, func() error {
		return s.tenants.Delete(c.Request.Context(), tenantID)
	})
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"tenant_id": tenantID})
}

func (s *Server) syncTenant(c *gin.Context) {
	report, err := s.engine.SyncTenant(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"report": report,
		"counts": report.Counts(),
		"failed": report.FailedUsers(),
	})
}

// namespace returns the namespace of an initialized tenant.
func (s *Server) namespace(c *gin.Context) (string, bool) {
	tenantID := c.Param("tenant_id")
	ns := s.tenants.DeriveNamespace(tenantID)

	exists, err := s.store.NamespaceExists(c.Request.Context(), ns)
	if err != nil {
		fail(c, err)
		return "", false
	}
	if !exists {
		fail(c, fmt.Errorf("%w: %s", sync.ErrTenantNotInitialized, tenantID))
		return "", false
	}

	return ns, true
}

func (s *Server) listUsers(c *gin.Context) {
	ns, found := s.namespace(c)
	if !found {
		return
	}

	users, err := sync.ListUsers(c.Request.Context(), s.store, ns)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, users)
}

func (s *Server) listMails(c *gin.Context) {
	ns, found := s.namespace(c)
	if !found {
		return
	}

	includeDeleted, _ := strconv.ParseBool(c.Query("include_deleted"))

	mails, err := sync.ListMails(c.Request.Context(), s.store, ns, c.Param("user_id"), includeDeleted)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, mails)
}

func (s *Server) getMail(c *gin.Context) {
	ns, found := s.namespace(c)
	if !found {
		return
	}

	mail, err := sync.FindMail(c.Request.Context(), s.store, ns, c.Param("user_id"), c.Param("message_id"))
	if err != nil {
		fail(c, err)
		return
	}
	if mail == nil {
		fail(c, fmt.Errorf("%w: %s", errMailNotFound, c.Param("message_id")))
		return
	}

	respond(c, http.StatusOK, mail)
}

// deleteMail deletes the message at the provider, then soft-deletes the
// local record.
func (s *Server) deleteMail(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenant_id")

	var outcome sync.Outcome
	err := s.engine.WithTenant(tenantID, func() error {
		t, err := s.engine.ResolveTenant(ctx, tenantID)
		if err != nil {
			return err
		}

		outcome, err = s.engine.Reconciler().MarkDeleted(ctx, t, c.Param("user_id"), c.Param("message_id"), sync.DeleteOptions{Remote: true})
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"message_id": c.Param("message_id"), "outcome": outcome})
}

func (s *Server) listAttachments(c *gin.Context) {
	ns, found := s.namespace(c)
	if !found {
		return
	}

	atts, err := sync.ListAttachments(c.Request.Context(), s.store, ns, c.Param("user_id"), c.Param("message_id"))
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, atts)
}

// deleteAttachment deletes one attachment at the provider and converges the
// local attachment records to the remaining set.
func (s *Server) deleteAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenant_id")
	userID, messageID, attachmentID := c.Param("user_id"), c.Param("message_id"), c.Param("attachment_id")

	var delta *sync.AttachmentDelta
	err := s.engine.WithTenant(tenantID, func() error {
		t, err := s.engine.ResolveTenant(ctx, tenantID)
		if err != nil {
			return err
		}

		stored, err := sync.ListAttachments(ctx, s.store, t.Namespace, userID, messageID)
		if err != nil {
			return err
		}

		found := false
		remaining := make([]sync.Attachment, 0, len(stored))
		for _, a := range stored {
			if a.AttachmentID == attachmentID {
				found = true
				continue
			}
			remaining = append(remaining, sync.Attachment{ID: a.AttachmentID, Name: a.Name})
		}
		if !found {
			return sync.NewError(sync.KindNotFound, "delete attachment", fmt.Errorf("attachment %s not found", attachmentID))
		}

		delta, err = s.engine.Reconciler().ReconcileAttachments(ctx, t, userID, messageID, remaining, sync.AttachmentOptions{DeleteRemote: true})
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, http.StatusOK, delta)
}
