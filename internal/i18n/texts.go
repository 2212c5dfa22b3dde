// Package i18n holds the fixed customer- and owner-facing texts.
package i18n

import (
	"fmt"
	"strings"
)

// Text keys.
const (
	OptOutConfirmed   = "opt_out_confirmed"
	OptInConfirmed    = "opt_in_confirmed"
	ContactDirectly   = "contact_directly"
	TechnicalError    = "technical_error"
	QueuedForHuman    = "queued_for_human"
	QueueTimeoutAI    = "queue_timeout_ai"
	QueueTimeoutEmail = "queue_timeout_email"
	EscalatedAskInfo  = "escalated_ask_contact"
	EscalatedThanks   = "escalated_thanks"
	EscalatedWaiting  = "escalated_waiting"
	OwnerForwarded    = "owner_forwarded"
	OwnerNewMessage   = "owner_new_message"
	OwnerTakeover     = "owner_takeover"
	OwnerNoHandoff    = "owner_no_handoff"
	ConversationEnded = "conversation_ended"
)

const defaultLocale = "de"

var texts = map[string]map[string]string{
	"de": {
		OptOutConfirmed:   "Sie wurden abgemeldet und erhalten keine weiteren Nachrichten. Antworten Sie mit START, um sich wieder anzumelden.",
		OptInConfirmed:    "Sie sind wieder angemeldet. Wie können wir Ihnen helfen?",
		ContactDirectly:   "Vielen Dank für Ihre Nachricht. Bitte kontaktieren Sie uns direkt, wir melden uns so schnell wie möglich.",
		TechnicalError:    "Es ist ein technischer Fehler aufgetreten. Bitte versuchen Sie es später erneut.",
		QueuedForHuman:    "Einen Moment bitte, ein Mitarbeiter ist gleich für Sie da.",
		QueueTimeoutAI:    "Leider ist gerade kein Mitarbeiter verfügbar. Unser digitaler Assistent hilft Ihnen gerne weiter.",
		QueueTimeoutEmail: "Leider ist gerade kein Mitarbeiter verfügbar. Wir melden uns per E-Mail bei Ihnen.",
		EscalatedAskInfo:  "Ich leite Ihr Anliegen an unser Team weiter. Bitte nennen Sie uns Ihre E-Mail-Adresse oder Telefonnummer, damit wir Sie kontaktieren können.",
		EscalatedThanks:   "Vielen Dank! Wir melden uns so bald wie möglich bei Ihnen.",
		EscalatedWaiting:  "Vielen Dank für Ihre Nachricht. Unser Team meldet sich bei Ihnen.",
		OwnerForwarded:    "Ihre Nachricht wurde weitergeleitet. Sie erhalten in Kürze eine Antwort.",
		OwnerNewMessage:   "Neue Nachricht von %s:\n%s\n\nAntworten Sie direkt oder senden Sie %s, um an den Assistenten zu übergeben.",
		OwnerTakeover:     "Keine Antwort innerhalb der Frist: der Assistent hat das Gespräch mit %s übernommen.",
		OwnerNoHandoff:    "Es gibt derzeit kein offenes Gespräch, auf das Sie antworten können.",
		ConversationEnded: "Das Gespräch wurde beendet.",
	},
	"en": {
		OptOutConfirmed:   "You have been unsubscribed and will receive no further messages. Reply START to subscribe again.",
		OptInConfirmed:    "You are subscribed again. How can we help?",
		ContactDirectly:   "Thank you for your message. Please contact us directly, we will get back to you as soon as possible.",
		TechnicalError:    "A technical error occurred. Please try again later.",
		QueuedForHuman:    "One moment please, a team member will be with you shortly.",
		QueueTimeoutAI:    "Unfortunately no team member is available right now. Our digital assistant is happy to help.",
		QueueTimeoutEmail: "Unfortunately no team member is available right now. We will follow up by email.",
		EscalatedAskInfo:  "I am passing your request to our team. Please share your email address or phone number so we can reach you.",
		EscalatedThanks:   "Thank you! We will get back to you as soon as possible.",
		EscalatedWaiting:  "Thank you for your message. Our team will get back to you.",
		OwnerForwarded:    "Your message has been forwarded. You will receive a reply shortly.",
		OwnerNewMessage:   "New message from %s:\n%s\n\nReply directly or send %s to hand over to the assistant.",
		OwnerTakeover:     "No reply within the window: the assistant took over the conversation with %s.",
		OwnerNoHandoff:    "There is no open conversation to reply to right now.",
		ConversationEnded: "The conversation has been closed.",
	},
}

// T returns the text for key in locale, falling back to German.
// Optional args are applied with fmt.Sprintf.
func T(locale, key string, args ...any) string {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	tab, ok := texts[lang]
	if !ok {
		tab = texts[defaultLocale]
	}
	s, ok := tab[key]
	if !ok {
		s = texts[defaultLocale][key]
	}
	if len(args) > 0 {
		return fmt.Sprintf(s, args...)
	}
	return s
}
