package rlm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

const systemPromptHead = `You are a Recursive Language Model. You are tasked with answering a query with associated context. You can access, transform, and analyze this context interactively in a REPL environment%s. You will be queried iteratively until you provide a final answer.

Your context is available in the 'context' variable.
Context Type: %s
Context Total Length: %d characters

The REPL environment is initialized with:
1. A 'context' variable that contains extremely important information about your query. Check the content of the 'context' variable to understand what you are working with.
`

const subCallPrompt = `2. A 'llm_query(prompt, context="")' function that runs a fresh language model session over the text you pass it and returns its answer as a string. The sub-model sees nothing from this REPL except its arguments, so pass it the slice of context it needs.
3. A 'llm_query_batched(prompts, contexts=None)' function that runs several llm_query calls concurrently and returns their answers in the same order.
4. The ability to use 'print()' statements to view the output of your REPL code and continue your reasoning.

You will only be able to see truncated outputs from the REPL environment, so use llm_query on the variables you want to analyze and use variables as buffers to build up your final answer.
`

const noSubCallPrompt = `2. The ability to use 'print()' statements to view the output of your REPL code and continue your reasoning.

You will only be able to see truncated outputs from the REPL environment, so store intermediate results in variables.
`

const systemPromptTail = `Make sure to explicitly look through the context in the REPL before answering your query.

When you want to execute Python code in the REPL environment, wrap it in triple backticks with the 'repl' language identifier, for example:
` + "```repl\nprint(context[:500])\n```" + `
The value of a trailing expression is shown to you, as is anything you print. State persists between blocks and between turns.

IMPORTANT: When you are done, provide the final answer inside a FINAL function in your response, NOT in code. Do not use it before you have completed the task. You have two options:
1. Use FINAL(your final answer here) to provide the answer directly
2. Use FINAL_VAR(variable_name) to return a variable you have created in the REPL environment as your final output`

func systemPrompt(contextData any, allowSubCall bool) string {
	kind, length := describeContext(contextData)
	capability := ""
	body := noSubCallPrompt
	if allowSubCall {
		capability = " that can recursively query sub-LLMs, which you are strongly encouraged to use"
		body = subCallPrompt
	}
	return fmt.Sprintf(systemPromptHead, capability, kind, length) + body + "\n" + systemPromptTail
}

// describeContext reports the context's type as Python will see it and its
// length in characters.
func describeContext(contextData any) (string, int) {
	switch v := contextData.(type) {
	case nil:
		return "str", 0
	case string:
		return "str", utf8.RuneCountInString(v)
	case []string:
		n := 0
		for _, s := range v {
			n += utf8.RuneCountInString(s)
		}
		return "list", n
	}

	data, err := json.Marshal(contextData)
	if err != nil {
		return fmt.Sprintf("%T", contextData), 0
	}
	kind := "object"
	switch strings.TrimSpace(string(data))[0] {
	case '[':
		kind = "list"
	case '{':
		kind = "dict"
	}
	return kind, utf8.RuneCount(data)
}

func nextActionPrompt(query string, iteration int) types.Message {
	if iteration == 0 {
		return types.Message{Role: "user", Content: fmt.Sprintf(
			"You have not interacted with the REPL environment or seen your context yet. Your next action should be to look through the context, not to give a final answer.\n\n"+
				"Think step by step about how to use the REPL environment to answer the original query: %q.\n\n"+
				"Write ```repl blocks to explore the `context` variable. Your next action:", query)}
	}
	return types.Message{Role: "user", Content: fmt.Sprintf(
		"The history above is your previous interaction with the REPL environment. "+
			"Think step by step about what to do next to answer the original query: %q.\n\n"+
			"Continue with ```repl blocks, or answer with FINAL(answer) or FINAL_VAR(variable_name) if you are done. Your next action:", query)}
}

// historyMessages renders prior turns, keeping only the most recent
// maxTurns when maxTurns > 0.
func historyMessages(turns []types.Turn, maxTurns int) []types.Message {
	var msgs []types.Message
	if maxTurns > 0 && len(turns) > maxTurns {
		omitted := len(turns) - maxTurns
		msgs = append(msgs, types.Message{
			Role:    "user",
			Content: fmt.Sprintf("[%d earlier turns omitted]", omitted),
		})
		turns = turns[omitted:]
	}
	for _, t := range turns {
		if len(t.CodeBlocks) == 0 {
			msgs = append(msgs, types.Message{Role: "assistant", Content: t.Observation})
			continue
		}
		msgs = append(msgs,
			types.Message{Role: "assistant", Content: t.Response},
			types.Message{Role: "user", Content: t.Observation},
		)
	}
	return msgs
}

func truncate(s string, limit int) string {
	if limit < 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n...[truncated, %d more characters]", len(s)-cut)
}

// observe synthesizes the observation fed back to the model for a turn.
func observe(t types.Turn, limit int, notes []string) string {
	var b strings.Builder
	if len(t.CodeBlocks) == 0 {
		b.WriteString("You responded with:\n")
		b.WriteString(t.Response)
	}
	for i, cb := range t.CodeBlocks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		res := cb.Result
		switch {
		case res.Fault != nil:
			fmt.Fprintf(&b, "REPL error in block %d:\n%s", i+1, truncate(res.Fault.Error(), limit))
		case res.Primary() == "":
			fmt.Fprintf(&b, "REPL output of block %d:\n(no output)", i+1)
		default:
			fmt.Fprintf(&b, "REPL output of block %d:\n%s", i+1, truncate(res.Primary(), limit))
		}
	}
	for _, w := range t.Warnings {
		fmt.Fprintf(&b, "\n\n[warning] %s (offset %d)", w.Message, w.Offset)
	}
	for _, n := range notes {
		fmt.Fprintf(&b, "\n\n[note] %s", n)
	}
	return b.String()
}
