package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/common"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

func (h *Handler) CreateConversation(c *gin.Context) {
	var req wire.CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}

	conv, msgs, err := h.ChatSvc.CreateConversation(c.Request.Context(), req)
	if err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	common.OK(c, chat.ToWireDetail(*conv, msgs))
}

func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), limit, offset)
	if err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	out := make([]wire.Conversation, 0, len(convs))
	for _, cv := range convs {
		out = append(out, chat.ToWireConversation(cv))
	}
	common.OK(c, gin.H{"conversations": out})
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, msgs, err := h.ChatSvc.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	common.OK(c, chat.ToWireDetail(*conv, msgs))
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	var req wire.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.ChatSvc.UpdateConversation(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	common.OK(c, chat.ToWireConversation(*conv))
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
