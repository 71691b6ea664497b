package mcpserver

// NoteFormatContract describes how voice notes are shaped and how the tools
// treat them. LLM consumers should read it before writing notes.
const NoteFormatContract = `# Voice Notes Format

Every note belongs to the signed-in user and has four parts:

- **id**: assigned by the store when the note is saved. Use it with ` + "`add_tag`" + ` and ` + "`delete_note`" + `.
- **text**: plain text, usually a transcript. Leading and trailing whitespace is trimmed on save; empty text is never saved.
- **timestamp**: creation time (ISO-8601, UTC). It never changes.
- **tags**: a list of short labels in the order they were added.

## Rules

1. Notes are listed newest first.
2. Tags are **case-sensitive**: ` + "`Work`" + ` and ` + "`work`" + ` are different tags. Adding a tag the note already carries does nothing.
3. Tags cannot be removed through the tools.
4. ` + "`list_notes`" + ` search is a case-insensitive substring match on the text; the tag filter is an exact match. Both filters must hold.
5. Nothing is returned or saved while nobody is signed in.

## Example

` + "```" + `json
{"id":"0b9d…","text":"Call the plumber about the kitchen sink","timestamp":"2024-03-01T12:00:00.000Z","tags":["home","todo"]}
` + "```" + `
`
