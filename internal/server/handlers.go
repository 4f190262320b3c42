package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"koinonia-backend/internal/account"
	"koinonia-backend/internal/storage"
)

// TODO limit reading from body

type parsers struct {
	sendMessagePool    fastjson.ParserPool
	getMessagesPool    fastjson.ParserPool
	exclusionsPool     fastjson.ParserPool
	conversationsPool  fastjson.ParserPool
	galleryPool        fastjson.ParserPool
	registerDevicePool fastjson.ParserPool
	notificationsPool  fastjson.ParserPool
	addMembershipPool  fastjson.ParserPool
	deleteAccountPool  fastjson.ParserPool
}

// store is the slice of the data layer the handlers need.
type store interface {
	MembershipByUserTenant(ctx context.Context, userID, tenantID uuid.UUID) (storage.Membership, error)
	CreateMembership(ctx context.Context, tenantID, userID uuid.UUID, role storage.Role, status storage.MembershipStatus, smallGroupID uuid.NullUUID) (storage.Membership, error)
	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	MessagesByConversation(ctx context.Context, conversationID, readerID uuid.UUID) ([]storage.Message, error)
	ExclusionsForMessage(ctx context.Context, messageID, callerID uuid.UUID) ([]uuid.UUID, error)
	ImagesByConversation(ctx context.Context, conversationID, readerID uuid.UUID) ([]storage.Attachment, error)
	ConversationsByMembership(ctx context.Context, membershipID uuid.UUID) ([]storage.Conversation, error)
	UpsertDeviceToken(ctx context.Context, userID, tenantID uuid.UUID, token, platform string) (storage.DeviceToken, error)
	NotificationsByUser(ctx context.Context, userID, tenantID uuid.UUID) ([]storage.Notification, error)
}

// accountDeleter runs the ordered account-deletion workflow.
type accountDeleter interface {
	DeleteAccount(ctx context.Context, caller, target uuid.UUID) (account.Result, error)
}

type handler struct {
	logger  *zap.SugaredLogger
	store   store
	deleter accountDeleter
	parsers parsers
}

// requiredUUID extracts a mandatory UUID string field. The second return
// value is a client-facing error message, empty on success.
func requiredUUID(v *fastjson.Value, field string) (uuid.UUID, string) {
	if !v.Exists(field) {
		return uuid.Nil, "Missing Field \"" + field + "\""
	}

	b := v.GetStringBytes(field)
	if b == nil {
		return uuid.Nil, "Field \"" + field + "\" must be a string"
	}

	id, err := uuid.Parse(string(b))
	if err != nil {
		return uuid.Nil, "Field \"" + field + "\" must be a valid UUID"
	}

	return id, ""
}

// optionalUUID extracts an optional UUID string field.
func optionalUUID(v *fastjson.Value, field string) (uuid.NullUUID, string) {
	if !v.Exists(field) {
		return uuid.NullUUID{}, ""
	}

	id, msg := requiredUUID(v, field)
	if msg != "" {
		return uuid.NullUUID{}, msg
	}

	return uuid.NullUUID{UUID: id, Valid: true}, ""
}

// requiredString extracts a mandatory non-empty string field.
func requiredString(v *fastjson.Value, field string) (string, string) {
	if !v.Exists(field) {
		return "", "Missing Field \"" + field + "\""
	}

	value := v.Get(field)
	if value.Type() != fastjson.TypeString {
		return "", "Field \"" + field + "\" must be a string"
	}

	s := strings.Trim(string(value.MarshalTo(nil)), `"`)
	if len(s) == 0 {
		return "", "Field \"" + field + "\" must have non-zero length"
	}

	return s, ""
}

func (h *handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(body); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// membershipForRequest resolves the caller's membership in the tenant named
// by the request body. Writes the error response itself; the bool reports
// whether the handler may proceed.
func (h *handler) membershipForRequest(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) (storage.Membership, bool) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return storage.Membership{}, false
	}

	m, err := h.store.MembershipByUserTenant(r.Context(), caller, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrMembershipNotExist) {
			http.Error(w, "No membership in this tenant", http.StatusBadRequest)
			return storage.Membership{}, false
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return storage.Membership{}, false
	}

	return m, true
}

// sendMessage handles HTTP requests on "/messages/send" endpoint
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.sendMessagePool.Get()
	defer h.parsers.sendMessagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	conversationID, msg := requiredUUID(v, "conversation_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	content, msg := requiredString(v, "content")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	contentType := storage.ContentText
	if v.Exists("content_type") {
		ct, msg := requiredString(v, "content_type")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		contentType = storage.ContentType(ct)
	}

	var excluded []uuid.UUID
	if v.Exists("excluded_membership_ids") {
		values, err := v.Get("excluded_membership_ids").Array()
		if err != nil {
			http.Error(w, "Field \"excluded_membership_ids\" must be an array", http.StatusBadRequest)
			return
		}

		excluded = make([]uuid.UUID, 0, len(values))
		for _, value := range values {
			b, err := value.StringBytes()
			if err != nil {
				http.Error(w, "Each item in \"excluded_membership_ids\" must be a UUID string", http.StatusBadRequest)
				return
			}

			id, err := uuid.Parse(string(b))
			if err != nil {
				http.Error(w, "Each item in \"excluded_membership_ids\" must be a valid UUID", http.StatusBadRequest)
				return
			}
			excluded = append(excluded, id)
		}
	}

	parentID, msg := optionalUUID(v, "parent_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	quotedID, msg := optionalUUID(v, "quoted_message_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	var attachment *storage.NewAttachment
	if v.Exists("attachment") {
		a := v.Get("attachment")
		url, msg := requiredString(a, "url")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		fileName, msg := requiredString(a, "file_name")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		mimeType, msg := requiredString(a, "mime_type")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		attachment = &storage.NewAttachment{
			URL:       url,
			FileName:  fileName,
			SizeBytes: v.GetInt64("attachment", "size_bytes"),
			MimeType:  mimeType,
		}
	}

	sender, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	created, err := h.store.CreateMessage(r.Context(), storage.NewMessage{
		TenantID:              tenantID,
		ConversationID:        conversationID,
		SenderID:              sender.ID,
		Content:               content,
		ContentType:           contentType,
		ParentID:              parentID,
		QuotedMessageID:       quotedID,
		ExcludedMembershipIDs: excluded,
		Attachment:            attachment,
	})
	if err != nil {
		switch err {
		case storage.ErrTooManyExclusions,
			storage.ErrSelfExclusion,
			storage.ErrEmptyContent,
			storage.ErrBadContentType,
			storage.ErrBadExclusion,
			storage.ErrReplyToReply,
			storage.ErrParentWrongConversation:
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case storage.ErrConversationNotExist:
			http.Error(w, "Conversation with provided id does not exist", http.StatusBadRequest)
			return
		case storage.ErrNotConversationMember:
			http.Error(w, "Sender is not a conversation member", http.StatusBadRequest)
			return
		case storage.ErrMessageNotExist:
			http.Error(w, "Parent message does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.respondJSON(w, http.StatusCreated, created)
}

// getMessages handles HTTP requests on "/messages/get" endpoint
func (h *handler) getMessages(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.getMessagesPool.Get()
	defer h.parsers.getMessagesPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	conversationID, msg := requiredUUID(v, "conversation_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	reader, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	messages, err := h.store.MessagesByConversation(r.Context(), conversationID, reader.ID)
	if err != nil {
		switch err {
		case storage.ErrNotConversationMember:
			http.Error(w, "Reader is not a conversation member", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	if messages == nil {
		messages = []storage.Message{}
	}

	h.respondJSON(w, http.StatusOK, messages)
}

// getExclusions handles HTTP requests on "/messages/exclusions" endpoint.
// Only the sender receives the real list; everyone else gets an empty
// array with status 200, never 403.
func (h *handler) getExclusions(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.exclusionsPool.Get()
	defer h.parsers.exclusionsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	messageID, msg := requiredUUID(v, "message_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	caller, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	excluded, err := h.store.ExclusionsForMessage(r.Context(), messageID, caller.ID)
	if err != nil {
		switch err {
		case storage.ErrMessageNotExist:
			http.Error(w, "Message with provided id does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.respondJSON(w, http.StatusOK, excluded)
}

// getConversations handles HTTP requests on "/conversations/get" endpoint
func (h *handler) getConversations(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.conversationsPool.Get()
	defer h.parsers.conversationsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	m, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	conversations, err := h.store.ConversationsByMembership(r.Context(), m.ID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if conversations == nil {
		conversations = []storage.Conversation{}
	}

	h.respondJSON(w, http.StatusOK, conversations)
}

// getGallery handles HTTP requests on "/gallery/get" endpoint
func (h *handler) getGallery(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.galleryPool.Get()
	defer h.parsers.galleryPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	conversationID, msg := requiredUUID(v, "conversation_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	reader, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	images, err := h.store.ImagesByConversation(r.Context(), conversationID, reader.ID)
	if err != nil {
		switch err {
		case storage.ErrNotConversationMember:
			http.Error(w, "Reader is not a conversation member", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	if images == nil {
		images = []storage.Attachment{}
	}

	h.respondJSON(w, http.StatusOK, images)
}

// registerDevice handles HTTP requests on "/devices/register" endpoint
func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.registerDevicePool.Get()
	defer h.parsers.registerDevicePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	token, msg := requiredString(v, "token")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	platform, msg := requiredString(v, "platform")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	m, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	dt, err := h.store.UpsertDeviceToken(r.Context(), m.UserID, tenantID, token, platform)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusCreated, dt)
}

// getNotifications handles HTTP requests on "/notifications/get" endpoint
func (h *handler) getNotifications(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.notificationsPool.Get()
	defer h.parsers.notificationsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	m, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	notifications, err := h.store.NotificationsByUser(r.Context(), m.UserID, tenantID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if notifications == nil {
		notifications = []storage.Notification{}
	}

	h.respondJSON(w, http.StatusOK, notifications)
}

// addMembership handles HTTP requests on "/memberships/add" endpoint.
// The caller's own membership in the tenant must grant CapManageMembers.
func (h *handler) addMembership(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.addMembershipPool.Get()
	defer h.parsers.addMembershipPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	tenantID, msg := requiredUUID(v, "tenant_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	userID, msg := requiredUUID(v, "user_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	role, msg := requiredString(v, "role")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	smallGroupID, msg := optionalUUID(v, "small_group_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	caller, ok := h.membershipForRequest(w, r, tenantID)
	if !ok {
		return
	}

	if !caller.Role.Can(storage.CapManageMembers) {
		http.Error(w, "Role does not allow managing members", http.StatusForbidden)
		return
	}

	m, err := h.store.CreateMembership(r.Context(), tenantID, userID, storage.Role(role), storage.StatusActive, smallGroupID)
	if err != nil {
		switch err {
		case storage.ErrBadRole:
			http.Error(w, "Unknown role", http.StatusBadRequest)
			return
		case storage.ErrMembershipExists:
			http.Error(w, "User already has a membership in this tenant", http.StatusBadRequest)
			return
		case storage.ErrUserNotExist:
			http.Error(w, "User with provided id does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.respondJSON(w, http.StatusCreated, m)
}

// deleteAccount handles HTTP requests on "/account/delete" endpoint.
// Responses always carry the structured deletion result: 400 on target
// mismatch, 200 with success:false when the identity step fails after
// partial cleanup, 500 on a dependency failure mid-sequence.
func (h *handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.deleteAccountPool.Get()
	defer h.parsers.deleteAccountPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	target, msg := requiredUUID(v, "user_id")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	result, err := h.deleter.DeleteAccount(r.Context(), caller, target)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrNotOwner):
			h.respondJSON(w, http.StatusBadRequest, result)
			return
		case errors.Is(err, account.ErrIdentityDeletion):
			h.respondJSON(w, http.StatusOK, result)
			return
		default:
			h.logger.Error(err)
			h.respondJSON(w, http.StatusInternalServerError, result)
			return
		}
	}

	h.respondJSON(w, http.StatusOK, result)
}
