package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/assistant"
	"github.com/pattadon/promochat/internal/domain"
)

// fakeRepo is an in-memory Repository. It stores deep copies so tests see
// only state the orchestrator actually persisted.
type fakeRepo struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*domain.ChatSession
	users    map[int64]*domain.User
	cards    map[string]*domain.CreditCard
	statuses []domain.SessionStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[int64]*domain.ChatSession),
		users:    make(map[int64]*domain.User),
		cards:    make(map[string]*domain.CreditCard),
	}
}

func cloneSession(s *domain.ChatSession) *domain.ChatSession {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out domain.ChatSession
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (r *fakeRepo) CreateSession(_ context.Context, session *domain.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	session.ID = r.nextID
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, id int64) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, errdefs.ErrNotFound)
	}
	return cloneSession(s), nil
}

func (r *fakeRepo) UpdateSession(_ context.Context, session *domain.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return fmt.Errorf("session %d: %w", session.ID, errdefs.ErrNotFound)
	}
	r.sessions[session.ID] = cloneSession(session)
	r.statuses = append(r.statuses, session.Status)
	return nil
}

func (r *fakeRepo) DeleteSession(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("session %d: %w", id, errdefs.ErrNotFound)
	}
	delete(r.sessions, id)
	return nil
}

func (r *fakeRepo) ListSessionsByUser(_ context.Context, userID int64) ([]*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ChatSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *fakeRepo) GetUser(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, errdefs.ErrNotFound)
	}
	return u, nil
}

func (r *fakeRepo) ListUsers(_ context.Context) ([]*domain.User, error) { return nil, nil }

func (r *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *fakeRepo) GetCreditCard(_ context.Context, name string) (*domain.CreditCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[name]
	if !ok {
		return nil, fmt.Errorf("credit card %q: %w", name, errdefs.ErrNotFound)
	}
	return c, nil
}

func (r *fakeRepo) UpsertCreditCard(_ context.Context, card *domain.CreditCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[card.Name] = card
	return nil
}

func (r *fakeRepo) Ping(_ context.Context) error { return nil }
func (r *fakeRepo) Close() error                 { return nil }

// fakeGateway scripts the remote thread service. Each run consumes the next
// entry from replies as the thread's latest assistant text.
type fakeGateway struct {
	mu          sync.Mutex
	threadSeq   int
	runSeq      int
	replies     []string
	nonAssist   bool
	added       []string
	runRequests []assistant.RunRequest
	streamRuns  int
	deleted     []string
}

func (g *fakeGateway) CreateThread(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threadSeq++
	return fmt.Sprintf("th_%d", g.threadSeq), nil
}

func (g *fakeGateway) DeleteThread(_ context.Context, threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, threadID)
	return nil
}

func (g *fakeGateway) AddMessage(_ context.Context, _, _, content string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, content)
	return fmt.Sprintf("msg_%d", len(g.added)), nil
}

func (g *fakeGateway) CreateRun(_ context.Context, _ string, req assistant.RunRequest) (*assistant.Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runSeq++
	g.runRequests = append(g.runRequests, req)
	return &assistant.Run{ID: fmt.Sprintf("run_%d", g.runSeq), Status: assistant.RunQueued}, nil
}

func (g *fakeGateway) GetRun(_ context.Context, _, runID string) (*assistant.Run, error) {
	return &assistant.Run{ID: runID, Status: assistant.RunCompleted}, nil
}

func (g *fakeGateway) ListMessages(_ context.Context, _ string, _ int) ([]assistant.ThreadMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nonAssist {
		return []assistant.ThreadMessage{{ID: "msg_u", Role: "user"}}, nil
	}
	if len(g.replies) == 0 {
		return nil, nil
	}
	text := g.replies[0]
	g.replies = g.replies[1:]
	return []assistant.ThreadMessage{{
		ID:   "msg_a",
		Role: "assistant",
		Content: []assistant.MessagePart{{
			Type: "text",
			Text: &assistant.MessageText{Value: text},
		}},
	}}, nil
}

func (g *fakeGateway) StreamRun(_ context.Context, _ string, req assistant.RunRequest, onDelta func(string)) (*assistant.Run, error) {
	g.mu.Lock()
	g.runSeq++
	g.streamRuns++
	g.runRequests = append(g.runRequests, req)
	run := &assistant.Run{
		ID:     fmt.Sprintf("run_%d", g.runSeq),
		Status: assistant.RunCompleted,
		Usage:  &assistant.RunUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	g.mu.Unlock()
	onDelta("thinking")
	return run, nil
}

func (g *fakeGateway) specialistRuns(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, req := range g.runRequests {
		if req.SpecialistID == id {
			n++
		}
	}
	return n
}

// fakeWaiter completes every run immediately.
type fakeWaiter struct{}

func (fakeWaiter) Wait(_ context.Context, _, runID string) (*assistant.Run, error) {
	return &assistant.Run{
		ID:     runID,
		Status: assistant.RunCompleted,
		Usage:  &assistant.RunUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}, nil
}

// fakeSearcher returns a fixed candidate set and records queries.
type fakeSearcher struct {
	mu      sync.Mutex
	results []domain.Promotion
	err     error
	queries [][]string
}

func (s *fakeSearcher) Search(_ context.Context, queries []string) ([]domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, queries)
	if s.err != nil {
		return nil, s.err
	}
	if s.results == nil {
		return []domain.Promotion{}, nil
	}
	return s.results, nil
}

func (s *fakeSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// capEmitter collects emitted events.
type capEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *capEmitter) Emit(_ context.Context, event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *capEmitter) ofType(kind EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *capEmitter) chatMessages() []string {
	var out []string
	for _, ev := range e.ofType(EventChat) {
		out = append(out, ev.Data.(ChatData).Message)
	}
	return out
}

var testSpecialists = Specialists{
	Context:  "asst_ctx",
	Product:  "asst_prod",
	Occasion: "asst_occ",
	Place:    "asst_place",
	Selector: "asst_sel",
}

func newTestHarness(t *testing.T) (*Orchestrator, *fakeRepo, *fakeGateway, *fakeSearcher) {
	t.Helper()
	repo := newFakeRepo()
	repo.users[7] = &domain.User{
		ID:          7,
		Name:        "Nok",
		Segment:     "mass affluent",
		CreditCards: []string{"Everyday Card"},
	}
	repo.cards["Everyday Card"] = &domain.CreditCard{
		Name:             "Everyday Card",
		DefaultPromotion: "give you 5% cashback at any restaurant",
	}
	gateway := &fakeGateway{}
	search := &fakeSearcher{}
	orch := New(Config{
		Repo:        repo,
		Gateway:     gateway,
		Waiter:      fakeWaiter{},
		Search:      search,
		Specialists: testSpecialists,
	})
	return orch, repo, gateway, search
}

func createTestSession(t *testing.T, orch *Orchestrator) *domain.ChatSession {
	t.Helper()
	session, err := orch.CreateSession(context.Background(), &capEmitter{}, 7)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func TestCreateSessionAnnouncesChat(t *testing.T) {
	orch, repo, _, _ := newTestHarness(t)
	em := &capEmitter{}

	session, err := orch.CreateSession(context.Background(), em, 7)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID != 1 {
		t.Errorf("session ID = %d, want 1", session.ID)
	}
	if session.ThreadID != "th_1" {
		t.Errorf("thread ID = %q, want th_1", session.ThreadID)
	}

	infos := em.ofType(EventNewChatInfo)
	if len(infos) != 1 {
		t.Fatalf("expected one new_chat_info event, got %d", len(infos))
	}
	info := infos[0].Data.(NewChatInfoData)
	if info.ChatID != 1 || info.UserID != 7 {
		t.Errorf("new_chat_info = %+v", info)
	}

	stored := repo.sessions[1]
	if len(stored.ActivityLog) != 1 || stored.ActivityLog[0].Label != "new_chat" {
		t.Errorf("activity log = %+v", stored.ActivityLog)
	}
}

func TestCreateSessionUnknownUser(t *testing.T) {
	orch, _, _, _ := newTestHarness(t)
	em := &capEmitter{}

	if _, err := orch.CreateSession(context.Background(), em, 999); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	errs := em.ofType(EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorData).ErrorCode != "404" {
		t.Errorf("error events = %+v", errs)
	}
}

func TestProcessMessageFullPipeline(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
		`{"result": 1}`,
	}
	search.results = []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday", Score: 0.92},
		{ID: "2", Title: "Sushi Night", SummaryText: "Free salmon roll after 8pm", Score: 0.41},
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "any good pizza deals near me?")

	stored := repo.sessions[session.ID]
	if stored.Status != domain.StatusReady {
		t.Errorf("status = %q, want ready", stored.Status)
	}
	if stored.Context != domain.ContextProduct {
		t.Errorf("context = %v, want product", stored.Context)
	}
	if len(stored.RunIDs) != 3 {
		t.Errorf("run IDs = %v, want 3 runs", stored.RunIDs)
	}
	if len(stored.LastPromotions) != 2 {
		t.Errorf("last promotions = %+v", stored.LastPromotions)
	}

	last := stored.Messages[len(stored.Messages)-1]
	if last.Speaker != domain.SpeakerAssistant || last.Text != "10% off pizza every Wednesday" {
		t.Errorf("final message = %+v", last)
	}

	// The context stage augments the thread message with the user profile.
	if len(gateway.added) == 0 || !strings.Contains(gateway.added[0], "mass affluent") {
		t.Errorf("first thread message = %q, want augmented profile", gateway.added)
	}

	// Search combines the message with the elaborated product types.
	if search.callCount() != 1 {
		t.Fatalf("search calls = %d, want 1", search.callCount())
	}
	queries := search.queries[0]
	if queries[0] != "any good pizza deals near me?" || queries[len(queries)-1] != "pizza" {
		t.Errorf("queries = %v", queries)
	}

	chats := em.chatMessages()
	if len(chats) == 0 || chats[len(chats)-1] != "10% off pizza every Wednesday" {
		t.Errorf("chat messages = %v", chats)
	}
	if len(em.ofType(EventChatDelta)) == 0 {
		t.Error("expected streamed chat_delta events")
	}

	labels := make(map[string]bool)
	for _, entry := range stored.ActivityLog {
		labels[entry.Label] = true
	}
	for _, want := range []string{"user_message", "context_found", "promotions_found", "promotion_selected", "pipeline_report", "token_report"} {
		if !labels[want] {
			t.Errorf("activity log missing label %q: %v", want, stored.ActivityLog)
		}
	}
}

func TestProcessMessageFollowUpStopsPipeline(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{`{"follow_up_question": "What kind of food do you enjoy?"}`}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "I want a deal")

	if search.callCount() != 0 {
		t.Errorf("search should not run after a follow-up, got %d calls", search.callCount())
	}
	stored := repo.sessions[session.ID]
	if stored.Status != domain.StatusReady {
		t.Errorf("status = %q, want ready", stored.Status)
	}
	if stored.Context != domain.ContextNone {
		t.Errorf("context = %v, want none", stored.Context)
	}
	last := stored.Messages[len(stored.Messages)-1]
	if last.Speaker != domain.SpeakerAssistant || last.Text != "What kind of food do you enjoy?" {
		t.Errorf("final message = %+v", last)
	}
	chats := em.chatMessages()
	if len(chats) == 0 || chats[len(chats)-1] != "What kind of food do you enjoy?" {
		t.Errorf("chat messages = %v", chats)
	}
}

func TestProcessMessageUnclassifiedContextEndsTurn(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{`{"context": 0}`}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "hello")

	if got := em.ofType(EventError); len(got) != 0 {
		t.Errorf("error events = %+v, want none", got)
	}
	if search.callCount() != 0 {
		t.Errorf("search calls = %d, want 0", search.callCount())
	}
	stored := repo.sessions[session.ID]
	if stored.Status != domain.StatusReady {
		t.Errorf("status = %q, want ready", stored.Status)
	}
	if stored.Context != domain.ContextNone {
		t.Errorf("context = %v, want none", stored.Context)
	}
	if len(stored.RunIDs) != 1 {
		t.Errorf("run IDs = %v, want only the context run", stored.RunIDs)
	}
	chats := em.chatMessages()
	if len(chats) == 0 || chats[len(chats)-1] != msgAcknowledge {
		t.Errorf("chat messages = %v, want the acknowledgement last", chats)
	}
}

func TestProcessMessageStreamPersistsRunning(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
		`{"result": 1}`,
	}
	search.results = []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday", Score: 0.92},
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "pizza deals?")

	// Each of the three remote runs must leave a persisted running
	// snapshot, the streamed detail run included.
	running := 0
	for _, status := range repo.statuses {
		if status == domain.StatusRunning {
			running++
		}
	}
	if running != 3 {
		t.Errorf("persisted running snapshots = %d (%v), want 3", running, repo.statuses)
	}
	if last := repo.statuses[len(repo.statuses)-1]; last != domain.StatusReady {
		t.Errorf("final persisted status = %q, want ready", last)
	}
}

func TestProcessMessageTranscriptKeepsOnlyDialogue(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
		`{"result": 1}`,
	}
	search.results = []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday", Score: 0.92},
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "pizza deals?")

	stored := repo.sessions[session.ID]
	if len(stored.Messages) != 2 {
		t.Fatalf("transcript = %+v, want user turn and assistant reply only", stored.Messages)
	}
	for _, msg := range stored.Messages {
		if msg.Speaker != domain.SpeakerUser && msg.Speaker != domain.SpeakerAssistant {
			t.Errorf("transcript speaker = %q, want only dialogue turns", msg.Speaker)
		}
	}
	// The acknowledgement and detail summary still reach the client.
	acked := false
	for _, text := range em.chatMessages() {
		if text == msgAcknowledge {
			acked = true
		}
	}
	if !acked {
		t.Error("acknowledgement notice was not emitted")
	}
}

func TestProcessMessageFallbackToCardDefault(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
		`{"result": 99}`,
	}
	search.results = []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday", Score: 0.92},
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "pizza deals?")

	stored := repo.sessions[session.ID]
	last := stored.Messages[len(stored.Messages)-1]
	if !strings.Contains(last.Text, "Everyday Card") ||
		!strings.Contains(last.Text, "give you 5% cashback at any restaurant") {
		t.Errorf("fallback message = %q, want card default", last.Text)
	}
	if !strings.Contains(last.Text, msgApology) {
		t.Errorf("fallback message should open with the apology, got %q", last.Text)
	}
}

func TestProcessMessageStickyClassification(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
		`{"result": 1}`,
		// Second message skips classification.
		`{"product_type": ["pasta"]}`,
		`{"result": 1}`,
	}
	search.results = []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday", Score: 0.92},
	}

	orch.ProcessMessage(context.Background(), &capEmitter{}, session.ID, 7, "pizza deals?")
	orch.ProcessMessage(context.Background(), &capEmitter{}, session.ID, 7, "what about pasta?")

	if n := gateway.specialistRuns("asst_ctx"); n != 1 {
		t.Errorf("context specialist ran %d times, want 1", n)
	}
	stored := repo.sessions[session.ID]
	if stored.Context != domain.ContextProduct {
		t.Errorf("context = %v, want product to stay sticky", stored.Context)
	}
	if stored.LastContext == nil || len(stored.LastContext.ProductTypes) != 1 || stored.LastContext.ProductTypes[0] != "pasta" {
		t.Errorf("last context = %+v, want refreshed product types", stored.LastContext)
	}
}

func TestProcessMessageParseFailureShortCircuits(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "occasion"}`,
		`this is not json at all`,
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "my friend's birthday is coming")

	if search.callCount() != 0 {
		t.Errorf("search should not run after a parse failure, got %d calls", search.callCount())
	}
	stored := repo.sessions[session.ID]
	if stored.Status != domain.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}

	var parseEntry *domain.ActivityEntry
	for i := range stored.ActivityLog {
		if stored.ActivityLog[i].Label == "parse_failed" {
			parseEntry = &stored.ActivityLog[i]
		}
	}
	if parseEntry == nil {
		t.Fatalf("activity log missing parse_failed: %+v", stored.ActivityLog)
	}
	if !strings.Contains(parseEntry.Detail, "not json") {
		t.Errorf("parse_failed detail = %q, want raw body", parseEntry.Detail)
	}

	chats := em.chatMessages()
	if len(chats) == 0 || chats[len(chats)-1] != msgConfused {
		t.Errorf("chat messages = %v, want closing apology", chats)
	}
}

func TestProcessMessageNoResponseLeavesSessionAlone(t *testing.T) {
	orch, repo, gateway, _ := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.nonAssist = true
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "hello?")

	stored := repo.sessions[session.ID]
	if stored.Status != domain.StatusReady {
		t.Errorf("status = %q, want ready", stored.Status)
	}
	chats := em.chatMessages()
	if len(chats) == 0 || chats[len(chats)-1] != msgNoResponse {
		t.Errorf("chat messages = %v, want no-response notice", chats)
	}
}

func TestProcessMessageUnknownChat(t *testing.T) {
	orch, _, _, _ := newTestHarness(t)
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, 999, 7, "hello")

	errs := em.ofType(EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorData).ErrorCode != "404" {
		t.Errorf("error events = %+v", errs)
	}
}

func TestProcessMessageSearchUnavailable(t *testing.T) {
	orch, repo, gateway, search := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["pizza"]}`,
	}
	search.err = fmt.Errorf("search down: %w", errdefs.ErrUnavailable)
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "pizza deals?")

	errs := em.ofType(EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorData).ErrorCode != "502" {
		t.Errorf("error events = %+v", errs)
	}
	stored := repo.sessions[session.ID]
	if stored.Status == domain.StatusRunning {
		t.Errorf("session must not rest in running state, got %q", stored.Status)
	}
}

func TestProcessMessageEmptySearchStillAnswers(t *testing.T) {
	orch, repo, gateway, _ := newTestHarness(t)
	session := createTestSession(t, orch)

	gateway.replies = []string{
		`{"context": "product"}`,
		`{"product_type": ["submarines"]}`,
		`{"result": null}`,
	}
	em := &capEmitter{}

	orch.ProcessMessage(context.Background(), em, session.ID, 7, "submarine deals?")

	stored := repo.sessions[session.ID]
	if len(stored.LastPromotions) != 0 {
		t.Errorf("last promotions = %#v, want empty", stored.LastPromotions)
	}
	last := stored.Messages[len(stored.Messages)-1]
	if !strings.Contains(last.Text, msgApology) {
		t.Errorf("final message = %q, want apology fallback", last.Text)
	}
}

func TestDeleteSessionDiscardsThread(t *testing.T) {
	orch, repo, gateway, _ := newTestHarness(t)
	session := createTestSession(t, orch)

	deleted, err := orch.DeleteSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if deleted.ThreadID != "th_1" {
		t.Errorf("deleted thread = %q", deleted.ThreadID)
	}
	if len(gateway.deleted) != 1 || gateway.deleted[0] != "th_1" {
		t.Errorf("gateway deletions = %v", gateway.deleted)
	}
	if _, ok := repo.sessions[session.ID]; ok {
		t.Error("session should be removed from the store")
	}

	if _, err := orch.DeleteSession(context.Background(), session.ID); !errdefs.IsNotFound(err) {
		t.Errorf("second delete should be not-found, got %v", err)
	}
}

func TestNarrowCandidatesMatchesByName(t *testing.T) {
	candidates := []domain.Promotion{
		{ID: "1", Title: "Pizza Wednesday", SummaryText: "10% off pizza every Wednesday"},
		{ID: "2", Title: "Sushi Night", SummaryText: "Free salmon roll after 8pm"},
	}
	p := &pipeline{session: &domain.ChatSession{LastPromotions: candidates}}

	narrowed := p.narrowCandidates("sushi night")
	if len(narrowed) != 1 || narrowed[0].ID != "2" {
		t.Errorf("narrowed = %+v, want the named candidate", narrowed)
	}

	full := p.narrowCandidates("anything good?")
	if len(full) != 2 {
		t.Errorf("narrowed = %+v, want the full candidate list", full)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed string
		isDev   bool
		want    bool
	}{
		{name: "dev allows all", origin: "http://evil.test", allowed: "http://app.test", isDev: true, want: true},
		{name: "matching origin", origin: "http://app.test", allowed: "http://app.test", want: true},
		{name: "wildcard", origin: "http://anywhere.test", allowed: "*", want: true},
		{name: "empty origin", origin: "", allowed: "http://app.test", want: true},
		{name: "mismatched origin", origin: "http://evil.test", allowed: "http://app.test", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWebSocketHandler(nil, tt.allowed, tt.isDev)
			r := httptest.NewRequest("GET", "/api/chat-socket", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := h.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
