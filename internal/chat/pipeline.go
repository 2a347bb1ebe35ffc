package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/assistant"
	"github.com/pattadon/promochat/internal/domain"
)

const (
	messageTypeAssistant = "assistant"
	messageTypeSystem    = "system"

	msgAcknowledge = "We understand your question now. Please wait a moment while we look for promotions that fit you."
	msgNoResponse  = "No response"
	msgConfused    = "Sorry, we could not make sense of that reply. Please try rephrasing your question."
	msgApology     = "Sorry, we cannot offer the promotion you are looking for right now."
)

// pipeline carries the state of one ProcessMessage invocation. Stages run
// strictly in order; the first failing stage stops the rest.
type pipeline struct {
	o       *Orchestrator
	em      Emitter
	session *domain.ChatSession
	user    *domain.User
	timer   *stageTimer
	runs    []*assistant.Run
}

func (p *pipeline) run(ctx context.Context, message string) {
	if err := p.appendUserMessage(ctx, message); err != nil {
		p.fail(ctx, err)
		return
	}

	cont, err := p.interpretContext(ctx, message)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	p.timer.mark("interpret_context")
	if !cont {
		return
	}

	cont, err = p.elaborateDetails(ctx)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	p.timer.mark("elaborate_details")
	if !cont {
		return
	}

	if err := p.retrievePromotions(ctx, message); err != nil {
		p.fail(ctx, err)
		return
	}
	p.timer.mark("retrieve_promotions")

	if err := p.selectPromotion(ctx, message); err != nil {
		p.fail(ctx, err)
		return
	}
	p.timer.mark("select_promotion")

	p.report(ctx)
}

// appendUserMessage records the inbound message in the transcript before any
// remote work, so it survives even if every later stage fails.
func (p *pipeline) appendUserMessage(ctx context.Context, message string) error {
	start := time.Now()
	if err := p.session.AppendMessage(domain.SpeakerUser, message); err != nil {
		return err
	}
	return p.logActivity(ctx, "user_message", message, time.Since(start))
}

// interpretContext classifies what the conversation is about. The user's
// segment and card holdings ride along so the specialist can personalize.
// Classification is sticky: once set it is never recomputed.
func (p *pipeline) interpretContext(ctx context.Context, message string) (bool, error) {
	start := time.Now()

	if p.session.Context.Classified() {
		if _, err := p.o.gateway.AddMessage(ctx, p.session.ThreadID, "user", message); err != nil {
			return false, err
		}
		return true, nil
	}

	augmented := fmt.Sprintf("%s [customer_segment: %q, credit_cards: %q]",
		message, p.user.Segment, strings.Join(p.user.CreditCards, ", "))
	if _, err := p.o.gateway.AddMessage(ctx, p.session.ThreadID, "user", augmented); err != nil {
		return false, err
	}

	text, err := p.runSpecialist(ctx, p.o.spec.Context, "Interpreting the conversation context", start)
	if err != nil {
		return false, err
	}

	result, err := parseContextResponse(text)
	if err != nil {
		return false, err
	}

	if result.FollowUp != "" {
		return false, p.sendChat(ctx, domain.SpeakerAssistant, messageTypeAssistant, result.FollowUp)
	}

	p.session.Context = result.Kind
	if err := p.logActivity(ctx, "context_found", "Context: "+result.Kind.String(), time.Since(start)); err != nil {
		return false, err
	}
	p.emitChat(ctx, msgAcknowledge)
	// A none classification ends the turn; the later stages have no
	// specialist to consult.
	return result.Kind.Classified(), nil
}

// elaborateDetails asks the classification-specific specialist to expand the
// conversation into search-ready detail, streaming its text to the client as
// it arrives.
func (p *pipeline) elaborateDetails(ctx context.Context) (bool, error) {
	start := time.Now()

	specialistID, ok := p.o.spec.ForKind(p.session.Context)
	if !ok {
		return false, fmt.Errorf("no specialist for context %q: %w",
			p.session.Context, errdefs.ErrNotFound)
	}

	if err := p.session.SetStatus(domain.StatusRunning); err != nil {
		return false, err
	}
	// logActivity persists, so the stored session shows running before the
	// first delta reaches the client.
	if err := p.logActivity(ctx, "context_details_query", "Expanding the conversation into search detail", time.Since(start)); err != nil {
		return false, err
	}

	run, err := p.o.gateway.StreamRun(ctx, p.session.ThreadID,
		assistant.RunRequest{SpecialistID: specialistID},
		func(delta string) {
			p.o.emit(ctx, p.em, NewChatDeltaEvent(messageTypeSystem, delta, false))
		})
	if err != nil {
		return false, err
	}
	p.o.emit(ctx, p.em, NewChatDeltaEvent(messageTypeSystem, "", true))
	p.session.AppendRunID(run.ID)
	p.runs = append(p.runs, run)

	if err := p.session.SetStatus(domain.StatusReady); err != nil {
		return false, err
	}
	if err := p.logActivity(ctx, "run_completed", "Context detail run finished", time.Since(start)); err != nil {
		return false, err
	}

	text, err := p.latestAssistantText(ctx)
	if err != nil {
		return false, err
	}
	result, err := parseDetailsResponse(text)
	if err != nil {
		return false, err
	}

	if result.FollowUp != "" {
		return false, p.sendChat(ctx, domain.SpeakerAssistant, messageTypeAssistant, result.FollowUp)
	}

	p.session.LastContext = result.Payload
	if err := p.logActivity(ctx, "context_details_found", detailBody(result.Payload), time.Since(start)); err != nil {
		return false, err
	}
	p.emitChat(ctx, detailSummary(result.Payload))
	return true, nil
}

// retrievePromotions combines the user's message with the elaborated detail
// terms and queries the search service. An empty result set is recorded and
// the pipeline continues; the selector can still fall back to a card default.
func (p *pipeline) retrievePromotions(ctx context.Context, message string) error {
	start := time.Now()

	queries := append([]string{message}, p.session.LastContext.QueryTerms(p.session.Context)...)
	if err := p.logActivity(ctx, "promotions_query", strings.Join(queries, " | "), time.Since(start)); err != nil {
		return err
	}

	promotions, err := p.o.search.Search(ctx, queries)
	if err != nil {
		return err
	}

	p.session.LastPromotions = promotions
	if len(promotions) == 0 {
		return p.logActivity(ctx, "promotions_not_found", "No matching promotions", time.Since(start))
	}
	return p.logActivity(ctx, "promotions_found",
		fmt.Sprintf("Found %d candidate promotions", len(promotions)), time.Since(start))
}

// selectPromotion asks the selector specialist to pick one candidate for the
// user. A selection the catalog cannot resolve, or a reply that does not
// parse, degrades to the card-default apology rather than an error.
func (p *pipeline) selectPromotion(ctx context.Context, message string) error {
	start := time.Now()

	candidates := p.narrowCandidates(message)
	promotionText, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("encode candidate promotions: %w", err)
	}

	content := message + "\n" + string(promotionText)
	if _, err := p.o.gateway.AddMessage(ctx, p.session.ThreadID, "user", content); err != nil {
		return err
	}
	if err := p.logActivity(ctx, "promotion_choice_request", "Choosing the best promotion", time.Since(start)); err != nil {
		return err
	}

	text, err := p.runSpecialistWith(ctx, assistant.RunRequest{
		SpecialistID: p.o.spec.Selector,
		Instructions: supplementaryInstruction(message),
	}, "Selecting a promotion", start)
	if err != nil {
		return err
	}

	choice, err := parseSelectionResponse(text)
	if err != nil {
		// An unreadable selection is not fatal; fall back to the
		// apology path and note the body in the activity log.
		var perr *ParseError
		if errors.As(err, &perr) {
			if logErr := p.logActivity(ctx, "selection_unparsable", perr.Raw, time.Since(start)); logErr != nil {
				return logErr
			}
			choice = ""
		} else {
			return err
		}
	}

	reply := p.resolveSelection(ctx, choice)
	if err := p.logActivity(ctx, "promotion_selected", reply, time.Since(start)); err != nil {
		return err
	}
	return p.sendChat(ctx, domain.SpeakerAssistant, messageTypeAssistant, reply)
}

// narrowCandidates returns the single candidate whose title or summary the
// user's message already names, or the full candidate list otherwise.
func (p *pipeline) narrowCandidates(message string) []domain.Promotion {
	needle := strings.ToLower(strings.TrimSpace(message))
	if needle != "" {
		for _, cand := range p.session.LastPromotions {
			if strings.Contains(strings.ToLower(cand.SummaryText), needle) ||
				strings.Contains(strings.ToLower(cand.Title), needle) {
				return []domain.Promotion{cand}
			}
		}
	}
	if p.session.LastPromotions == nil {
		return []domain.Promotion{}
	}
	return p.session.LastPromotions
}

// resolveSelection maps the selector's choice back onto the candidate set.
// Unknown or empty choices fall back to the user's card-default promotion
// when one exists, else a plain apology.
func (p *pipeline) resolveSelection(ctx context.Context, choice domain.PromotionID) string {
	if choice != "" {
		for _, cand := range p.session.LastPromotions {
			if cand.ID == choice {
				return cand.SummaryText
			}
		}
		p.o.logger.Warn("selector chose an unknown promotion",
			"chat_id", p.session.ID, "choice", string(choice))
	}

	if card := p.user.PrimaryCard(); card != "" {
		cc, err := p.o.repo.GetCreditCard(ctx, card)
		if err == nil && cc.DefaultPromotion != "" {
			return fmt.Sprintf("%s\n\nHowever, your %s card can %s.",
				msgApology, cc.Name, cc.DefaultPromotion)
		}
		if err != nil && !errdefs.IsNotFound(err) {
			p.o.logger.Warn("failed to load credit card",
				"card", card, "error", err)
		}
	}
	return msgApology
}

// report closes the pipeline with timing and token-usage activity entries.
func (p *pipeline) report(ctx context.Context) {
	var parts []string
	for _, m := range p.timer.marks {
		parts = append(parts, fmt.Sprintf("%s: %.3fs", m.name, m.elapsed.Seconds()))
	}
	timing := fmt.Sprintf("%s (total %.3fs)", strings.Join(parts, ", "), p.timer.total().Seconds())
	if err := p.logActivity(ctx, "pipeline_report", timing, p.timer.total()); err != nil {
		p.o.logger.Warn("failed to record pipeline report", "chat_id", p.session.ID, "error", err)
		return
	}

	var prompt, completion, total int
	for _, run := range p.runs {
		if run.Usage == nil {
			continue
		}
		prompt += run.Usage.PromptTokens
		completion += run.Usage.CompletionTokens
		total += run.Usage.TotalTokens
	}
	usage := fmt.Sprintf("prompt=%d completion=%d total=%d", prompt, completion, total)
	if err := p.logActivity(ctx, "token_report", usage, p.timer.total()); err != nil {
		p.o.logger.Warn("failed to record token report", "chat_id", p.session.ID, "error", err)
	}
}

// runSpecialist starts a run for the given specialist, waits for it to
// finish and returns the thread's latest assistant text.
func (p *pipeline) runSpecialist(ctx context.Context, specialistID, detail string, start time.Time) (string, error) {
	return p.runSpecialistWith(ctx, assistant.RunRequest{SpecialistID: specialistID}, detail, start)
}

func (p *pipeline) runSpecialistWith(ctx context.Context, req assistant.RunRequest, detail string, start time.Time) (string, error) {
	run, err := p.o.gateway.CreateRun(ctx, p.session.ThreadID, req)
	if err != nil {
		return "", err
	}
	p.session.AppendRunID(run.ID)
	if err := p.session.SetStatus(domain.StatusRunning); err != nil {
		return "", err
	}
	if err := p.logActivity(ctx, "run_created", detail, time.Since(start)); err != nil {
		return "", err
	}

	finished, err := p.o.waiter.Wait(ctx, p.session.ThreadID, run.ID)
	if err != nil {
		return "", err
	}
	p.runs = append(p.runs, finished)

	if err := p.session.SetStatus(domain.StatusReady); err != nil {
		return "", err
	}
	if err := p.logActivity(ctx, "run_completed", detail, time.Since(start)); err != nil {
		return "", err
	}
	return p.latestAssistantText(ctx)
}

// latestAssistantText fetches the newest thread message and returns its text.
// A thread whose newest message is not from the assistant yields a
// no-response parse error.
func (p *pipeline) latestAssistantText(ctx context.Context) (string, error) {
	messages, err := p.o.gateway.ListMessages(ctx, p.session.ThreadID, 1)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 || messages[0].Role != "assistant" {
		return "", &ParseError{Reason: ParseNoResponse}
	}
	text, ok := messages[0].TextValue()
	if !ok {
		return "", &ParseError{Reason: ParseMalformedBody, Raw: "no text content part"}
	}
	return text, nil
}

// emitChat streams a system notice to the client. Notices never enter the
// transcript; only user and assistant turns do.
func (p *pipeline) emitChat(ctx context.Context, text string) {
	p.o.emit(ctx, p.em, NewChatEvent(messageTypeSystem, text, p.session.Context, p.session.LastContext))
}

// sendChat appends a transcript message, persists the session and emits the
// matching chat event.
func (p *pipeline) sendChat(ctx context.Context, speaker domain.Speaker, messageType, text string) error {
	if err := p.session.AppendMessage(speaker, text); err != nil {
		return err
	}
	if err := p.o.repo.UpdateSession(ctx, p.session); err != nil {
		return fmt.Errorf("persist session %d: %w", p.session.ID, err)
	}
	p.o.emit(ctx, p.em, NewChatEvent(messageType, text, p.session.Context, p.session.LastContext))
	return nil
}

// logActivity appends an audit entry, persists the session and then emits
// the activity event. Persisting before emitting keeps the stored log a
// superset of what any client has seen.
func (p *pipeline) logActivity(ctx context.Context, label, detail string, elapsed time.Duration) error {
	p.session.AppendActivity(label, detail, elapsed)
	if err := p.o.repo.UpdateSession(ctx, p.session); err != nil {
		return fmt.Errorf("persist session %d: %w", p.session.ID, err)
	}
	p.o.emit(ctx, p.em, NewActivityEvent(label, detail, elapsed))
	return nil
}

// fail maps a stage error onto session state and client events. Whatever the
// cause, the session never rests in the running state.
func (p *pipeline) fail(ctx context.Context, err error) {
	var perr *ParseError
	switch {
	case errors.As(err, &perr) && perr.Reason == ParseNoResponse:
		// The remote thread produced nothing to read. Tell the user
		// and leave the session as it stands.
		if logErr := p.logActivity(ctx, "no_response", "No assistant response received", 0); logErr != nil {
			p.o.logger.Warn("failed to record no-response", "chat_id", p.session.ID, "error", logErr)
		}
		p.emitChat(ctx, msgNoResponse)

	case errors.As(err, &perr):
		if setErr := p.session.SetStatus(domain.StatusError); setErr != nil {
			p.o.logger.Warn("failed to mark session errored", "chat_id", p.session.ID, "error", setErr)
		}
		if logErr := p.logActivity(ctx, "parse_failed", perr.Raw, 0); logErr != nil {
			p.o.logger.Warn("failed to record parse failure", "chat_id", p.session.ID, "error", logErr)
		}
		p.emitChat(ctx, msgConfused)

	case isCancellation(err):
		// The client went away mid-pipeline. Persist on a detached
		// context so the session does not stay stuck in running.
		p.o.logger.Info("pipeline cancelled", "chat_id", p.session.ID)
		p.settleAfterFailure(context.WithoutCancel(ctx), "pipeline_cancelled", err)

	case errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err):
		p.o.logger.Warn("upstream stage failed", "chat_id", p.session.ID, "error", err)
		p.settleAfterFailure(ctx, "stage_failed", err)
		p.o.emit(ctx, p.em, NewErrorEvent("502", "The assistant service is unavailable right now"))

	case errdefs.IsNotFound(err):
		p.o.emit(ctx, p.em, NewErrorEvent("404", err.Error()))

	default:
		p.o.logger.Error("pipeline stage failed", "chat_id", p.session.ID, "error", err)
		p.settleAfterFailure(ctx, "stage_failed", err)
		p.o.emit(ctx, p.em, NewErrorEvent("500", "Internal error"))
	}
}

func (p *pipeline) settleAfterFailure(ctx context.Context, label string, cause error) {
	if p.session.IsRunning() {
		if err := p.session.SetStatus(domain.StatusError); err != nil {
			p.o.logger.Warn("failed to mark session errored", "chat_id", p.session.ID, "error", err)
		}
	}
	if err := p.logActivity(ctx, label, cause.Error(), 0); err != nil {
		p.o.logger.Warn("failed to persist failing session", "chat_id", p.session.ID, "error", err)
	}
}

// detailBody is the short form of the elaborated context recorded in the
// activity log.
func detailBody(payload *domain.ContextPayload) string {
	if payload == nil {
		return ""
	}
	if payload.Meaning != "" {
		return payload.Meaning
	}
	return strings.Join(payload.ProductTypes, ", ")
}

// detailSummary renders the elaborated context for the client notice.
func detailSummary(payload *domain.ContextPayload) string {
	if payload == nil {
		return msgAcknowledge
	}
	if len(payload.ProductTypes) > 0 {
		return "We understand you are looking for: " + strings.Join(payload.ProductTypes, ", ")
	}
	var b strings.Builder
	b.WriteString("Here is what we understand:\n\n")
	b.WriteString(payload.Meaning)
	if len(payload.Topics) > 0 {
		b.WriteString("\n\nWe will look for promotions related to: ")
		b.WriteString(strings.Join(payload.Topics, ", "))
	}
	return b.String()
}

// supplementaryInstruction returns extra guidance for the selector on topics
// that need hand-curated links.
func supplementaryInstruction(message string) string {
	if strings.Contains(strings.ToLower(message), "s24 ultra") {
		return "If the customer asks about the Samsung Galaxy S24 Ultra, point them at " +
			"https://www.powerbuy.co.th and https://www.bnn.in.th for current handset offers."
	}
	return ""
}
