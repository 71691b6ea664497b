// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the signed-in user's voice notes to LLM tools via stdio.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/export"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
)

const (
	tagsURI   = "voicenotes://tags"
	formatURI = "voicenotes://note-format"
)

// Server wraps the MCP server with the voice-notes tools.
type Server struct {
	mcp      *server.MCPServer
	core     *notesync.Core
	loadWait time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLoadTimeout bounds how long a tool waits for the notes to arrive.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Server) { s.loadWait = d }
}

// New creates a new MCP server with all tools registered.
func New(core *notesync.Core, opts ...Option) *Server {
	s := &Server{core: core, loadWait: 5 * time.Second}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer(
		"Voice Notes",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List the signed-in user's notes, newest first. "+
			"Optionally filter by a case-insensitive text search and an exact tag."),
		mcp.WithString("search", mcp.Description("Substring to look for in the note text")),
		mcp.WithString("tag", mcp.Description("Only notes carrying exactly this tag")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("save_note",
		mcp.WithDescription("Save text as a new note with no tags."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Note text")),
	), s.saveNote)

	s.mcp.AddTool(mcp.NewTool("add_tag",
		mcp.WithDescription("Add a tag to a note. Tags are case-sensitive; duplicates are ignored."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id from list_notes")),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Tag to add")),
	), s.addTag)

	s.mcp.AddTool(mcp.NewTool("delete_note",
		mcp.WithDescription("Delete a note permanently."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id from list_notes")),
	), s.deleteNote)

	s.mcp.AddTool(mcp.NewTool("export_notes",
		mcp.WithDescription("Export notes as a JSON array of {text, timestamp, tags}, "+
			"with the same optional filters as list_notes."),
		mcp.WithString("search", mcp.Description("Substring to look for in the note text")),
		mcp.WithString("tag", mcp.Description("Only notes carrying exactly this tag")),
	), s.exportNotes)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns how notes are shaped and how tags and filters behave."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(tagsURI, "Tags",
			mcp.WithResourceDescription("Every tag in use, in first-appearance order."),
			mcp.WithMIMEType("application/json"),
		),
		s.readTagsResource,
	)
	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Note Format",
			mcp.WithResourceDescription("How notes are shaped and how tags and filters behave."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// view waits for the notes of the signed-in user and returns the read model.
func (s *Server) view(ctx context.Context) (notesync.View, error) {
	ctx, cancel := context.WithTimeout(ctx, s.loadWait)
	defer cancel()
	if err := s.core.WaitLoaded(ctx); err != nil {
		return notesync.View{}, err
	}
	return s.core.View()
}

func (s *Server) filtered(ctx context.Context, req mcp.CallToolRequest) (models.NoteSet, error) {
	v, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	return v.Visible(notesync.Query{
		Search: req.GetString("search", ""),
		Tag:    req.GetString("tag", ""),
	}), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.filtered(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	out, _ := json.MarshalIndent(notes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) saveNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.view(ctx); err != nil {
		return toolError(err), nil
	}
	if err := s.core.SaveText(text); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("saved"), nil
}

func (s *Server) addTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tag, err := req.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.view(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if !contains(v.Notes, id) {
		return toolError(fmt.Errorf("note %s: %w", id, apperr.ErrNotFound)), nil
	}
	if err := s.core.AddTag(id, tag); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("tagged: %s", id)), nil
}

func (s *Server) deleteNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.view(ctx); err != nil {
		return toolError(err), nil
	}
	if err := s.core.Delete(id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) exportNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.filtered(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	var buf bytes.Buffer
	if err := export.WriteJSON(&buf, notes); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readTagsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	v, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v.Tags)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      tagsURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNoIdentity) {
		return mcp.NewToolResultError("not signed in: run `app serve` and sign in first")
	}
	return mcp.NewToolResultError(err.Error())
}

func contains(notes models.NoteSet, id string) bool {
	for _, n := range notes {
		if n.ID == id {
			return true
		}
	}
	return false
}
