package agent

// defaultGeneralPrompt is used when no tools are in the window: plain
// conversation, no tool framing.
const defaultGeneralPrompt = `You are a helpful assistant. Answer the user directly and concisely.`

// defaultFunctionPrompt is used whenever at least one tool is available.
const defaultFunctionPrompt = `You are a helpful assistant with access to tools.

Use a tool when it answers the user's request better than your own
knowledge; otherwise answer directly. When you have gathered enough tool
results, produce a final text answer. Do not call tools you do not need.`
