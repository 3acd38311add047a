package tools

// Ident is the strong type for tool names. Use this type in maps and APIs to
// avoid accidentally mixing tool names with other free-form strings.
type Ident string
