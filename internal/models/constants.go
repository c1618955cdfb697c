package models

const (
	ThinkTag         = `(?s)<think>.*?</think>`
	ContextSeparator = "\n---\n"
	SourceTagFormat  = "[Source %d: %s, Page %s]"
)

var (
	SystemPrompt = `You are a helpful study assistant. Your task is to:
1. Answer the user's question clearly and comprehensively
2. Use ONLY the provided context; do not rely on outside knowledge
3. Explain concepts thoroughly for learning purposes
4. Be accurate and avoid making up information
5. If the context doesn't contain enough information to answer the question, say so clearly

Always provide clear, educational explanations.`

	ContextPromptTemplate = `Context from documents:
%s

Question: %s

Please provide a comprehensive answer with explanations. Cite which documents and pages you're using.`

	NoContextPromptTemplate = `No context was found in the knowledge base for this question.

Question: %s

Say clearly that the uploaded documents do not cover this question. Do not invent an answer or cite sources.`
)
