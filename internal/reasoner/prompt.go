package reasoner

import (
	"fmt"
	"strings"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
)

// maxHistory bounds how many prior turns are sent with a request.
const maxHistory = 6

const extractionSystemPrompt = `You extract profile facts from a user's message in a Chinese onboarding chat for a social-events app. Your output must be ONLY a single valid JSON object, with no other text, prose or markdown.

Shape:
{"extracted": {"<field>": <value>}, "inferred": [{"field": "<field>", "value": <value>, "confidence": <0..1>, "evidence": "<quote>"}]}

Rules:
- "extracted" holds facts the user stated directly and unambiguously.
- "inferred" holds facts that are implied; confidence reflects how sure you are.
- A value is a string, a number, a boolean or an array of strings.
- Use these field names where they apply: city, industry, occupation, occupationCategory, company, gender, lifeStage, relationshipStatus, hasPet, hasChildren, interests (array), birthYear (number), education.
- evidence quotes the words in the message that support the value.
- Omit anything you are not reasonably sure about. Do not repeat confirmed facts.`

const insightSystemPrompt = `You analyse one answer in an onboarding chat and extract insights about the user for the topic dimension given below. Your output must be ONLY a single valid JSON object, with no other text, prose or markdown.

Shape:
{"insights": ["<short insight>"], "confidence": <0..1>, "reasoning": "<one sentence>"}

confidence is how well the dimension is now understood.`

// BuildExtractionPrompt constructs the messages for attribute extraction.
func BuildExtractionPrompt(message string, history []llm.Message, current attr.Map, roleHints []string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(extractionSystemPrompt)

	if digest := state.ContextDigest(current); digest != "" {
		fmt.Fprintf(&sb, "\n\n[Known so far]\n%s", digest)
	}
	if len(roleHints) > 0 {
		fmt.Fprintf(&sb, "\n\n[Employer hint]\nThe user mentioned an employer whose common roles are: %s.", strings.Join(roleHints, ", "))
	}

	messages := []llm.Message{{Role: "system", Content: sb.String()}}
	messages = append(messages, recent(history)...)
	return append(messages, llm.Message{Role: "user", Content: message})
}

// BuildInsightPrompt constructs the messages for topic-insight detection.
func BuildInsightPrompt(dimension, message, context string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(insightSystemPrompt)
	fmt.Fprintf(&sb, "\n\n[Dimension]\n%s", dimension)
	if context != "" {
		fmt.Fprintf(&sb, "\n\n[Conversation context]\n%s", context)
	}
	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: message},
	}
}

func recent(history []llm.Message) []llm.Message {
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return history
}
