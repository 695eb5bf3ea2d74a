package nodes

import (
	"fmt"
	"strings"

	"github.com/docuflow/orchestrator/internal/models"
)

const routingPromptFmt = `You are an intelligent routing agent for a hybrid RAG system.
Your job is to analyze the user's query and decide the best path to answer it.

Available paths:
1. "llm": Use direct LLM knowledge (for general questions, explanations, reasoning)
2. "web_search": Search the web (for current events, latest information, real-time data)
3. "multimodal_rag": Retrieve from uploaded PDF documents (for specific document-based knowledge)

%s

Current Query: %s

Consider these factors:
- Does the query ask about current/real-time information? -> web_search
- Does the query reference "the document", "the paper", "the PDF"? -> multimodal_rag
- Is this a general knowledge or reasoning question? -> llm
- Could multiple paths work? Recommend the most efficient one first.

IMPORTANT - Use session history to inform your decision:
- If previous queries used RAG successfully and current query is a follow-up -> multimodal_rag
- If conversation context shows document-specific discussion -> multimodal_rag
- If user says "what about...", "also", "and", check if it relates to prior document context
- If previous answers came from documents and user asks clarification -> multimodal_rag
- Maintain consistency in routing for related follow-up questions

Respond with a JSON object:
{"route": "llm" | "web_search" | "multimodal_rag", "reasoning": "<why>", "confidence": <0.0-1.0>, "fallback_route": "<optional second choice>"}`

const queryAnalyzerPromptFmt = `You are an intelligent query analyzer for a RAG system.
Your task is to classify the user query and determine if it requires decomposition into sub-queries.

Query to analyze: %s

CLASSIFICATION RULES:

A query is SIMPLE if it:
- Has a single clear intent
- Asks one specific question
- Can be answered directly without breaking down

A query is COMPLEX if it:
- Contains multiple distinct sub-questions (e.g., "What is X and how does Y work?")
- Asks for a comparison between things (e.g., "Compare A vs B", "What's the difference between X and Y")
- Contains conjunctions linking separate questions (e.g., "and", "or", "also", "as well as")
- Asks for multiple pieces of information in one sentence
- Requires analyzing different aspects separately

EXTRACTION RULES (if complex):
1. Extract MAXIMUM %d sub-queries
2. Each sub-query must be self-contained and answerable independently
3. Preserve the original intent and context in each sub-query
4. For comparisons, create separate sub-queries for each entity being compared
5. Keep sub-queries concise but complete

EXAMPLES:

Simple: "What is the attention mechanism in transformers?"
-> classification: "simple", sub_queries: []

Complex: "What is the attention mechanism and how does it differ from RNNs?"
-> classification: "complex", sub_queries: ["What is the attention mechanism?", "How does the attention mechanism differ from RNNs?"]

Complex: "Compare CNN and RNN architectures for NLP tasks"
-> classification: "complex", sub_queries: ["What are the key characteristics of CNN architecture for NLP tasks?", "What are the key characteristics of RNN architecture for NLP tasks?", "What are the differences between CNN and RNN for NLP tasks?"]

Respond with a JSON object:
{"classification": "simple" | "complex", "reasoning": "<why>", "sub_queries": ["<sub-query>"], "is_comparison": <true|false>, "confidence": <0.0-1.0>}`

const ragAnswerPromptFmt = `You are an expert assistant answering questions using provided document context.

%s

Current Question: %s

Document Context:
%s

Instructions:
1. Use the conversation history above to understand context and references like "previous answer", "that", "it", etc.
2. Answer using the provided document context. If the context doesn't contain enough information, explicitly state this.
3. Be concise and clear.
4. If citing specific parts of the context, use this format: [Source: filename, page X]
5. Acknowledge uncertainty where appropriate.

Provide your answer:`

const webAnswerPromptFmt = `You are synthesizing an answer from web search results.

%s

Current Question: %s

Web Search Results:
%s

Instructions:
1. Use the conversation history above to understand context and references like "previous answer", "that", "it", etc.
2. Synthesize information from multiple sources when possible
3. Provide citations using [Web: URL] format
4. Acknowledge uncertainty when sources conflict or are unreliable
5. Focus on answering the query directly and concisely

Answer:`

const generalKnowledgePromptFmt = `You are a knowledgeable AI assistant answering a general question.

%s

Current Question: %s

Instructions:
1. Use the conversation history above to understand context and references like "previous answer", "that", "it", etc.
2. Provide a clear, comprehensive, and accurate answer.
3. If you're uncertain about anything, acknowledge that uncertainty.
4. Structure your response logically and use examples where helpful.

Answer:`

const synthesizePromptFmt = `You are synthesizing a comprehensive answer from multiple sub-query results.

Original Question: %s

Sub-Query Results:
%s

Instructions:
1. Combine the information from all sub-query answers coherently
2. Address the original question directly and completely
3. If this was a comparison query, clearly highlight the differences and similarities
4. Maintain consistency in terminology and references
5. Do not simply concatenate answers - synthesize them into a unified response
6. If sub-queries had citations, reference them appropriately
7. Be concise but comprehensive

Provide a unified, well-structured answer to the original question:`

// buildMultimodalPrompt assembles the text part of a vision request.
// Page images are attached separately by the model client.
func buildMultimodalPrompt(query, contextText string, numImages int, justification, historyContext string) string {
	reason := ""
	if justification != "" {
		reason = "Selection Reason: " + justification
	}
	return fmt.Sprintf(`You are an expert assistant answering questions using provided document context and images.

%s

Current Question: %s

Document Text Context:
%s

Image Context: %d document page image(s) are provided below.
%s

Instructions:
1. Use the conversation history above to understand context and references like "previous answer", "that", "it", etc.
2. Analyze BOTH the text context AND the provided images carefully.
3. If the images contain diagrams, figures, tables, or charts, describe and explain them in relation to the question.
4. Answer using information from both text and visual sources.
5. If citing specific parts, use format: [Source: document, page X]
6. Be concise and accurate.

Provide your answer:`, historyContext, query, contextText, numImages, reason)
}

// buildContextWithSources formats retrieved chunks so the model can
// cite them by source and page.
func buildContextWithSources(rctx *models.RetrievedContext) string {
	parts := make([]string, 0, len(rctx.Chunks))
	for i, chunk := range rctx.Chunks {
		source := chunk.SourceFile
		if source == "" {
			source = "unknown"
		}
		page := "?"
		if chunk.PageNumber > 0 {
			page = fmt.Sprintf("%d", chunk.PageNumber)
		}
		parts = append(parts, fmt.Sprintf("[Document %d] (Source: %s, Page %s)\n%s", i+1, source, page, chunk.Content))
	}
	return strings.Join(parts, "\n\n")
}

// formatWebResults renders search hits as blocks the model can cite.
func formatWebResults(results []models.WebSearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[%s]\nURL: %s\n%s", r.Title, r.URL, r.Snippet))
	}
	return strings.Join(parts, "\n\n")
}

// formatSubQueryResults renders collected sub-answers for synthesis.
func formatSubQueryResults(results []models.SubQueryResult) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "Sub-Question %d: %s\n", i+1, r.SubQuery)
		fmt.Fprintf(&b, "Answer: %s\n", r.Answer)
		if len(r.Citations) > 0 {
			refs := make([]string, 0, len(r.Citations))
			for _, c := range r.Citations {
				if c.PageNumber > 0 {
					refs = append(refs, fmt.Sprintf("[%s, p.%d]", c.SourceID, c.PageNumber))
				} else {
					refs = append(refs, fmt.Sprintf("[%s]", c.SourceID))
				}
			}
			fmt.Fprintf(&b, "Citations: %s\n", strings.Join(refs, ", "))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n---\n")
}
