package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/service"
)

// toolDefinitions is the advertised operation surface. Descriptions are what
// a calling agent reads to pick a tool, so they say when to use it, not how
// it works.
func toolDefinitions() []ToolDefinition {
	str := func(desc string) Property { return Property{Type: "string", Description: desc} }
	num := func(desc string) Property { return Property{Type: "number", Description: desc} }
	boolean := func(desc string) Property { return Property{Type: "boolean", Description: desc} }
	strList := func(desc string) Property {
		return Property{Type: "array", Description: desc, Items: &Property{Type: "string"}}
	}

	return []ToolDefinition{
		{
			Name:        "search",
			Description: "Hybrid semantic + keyword search over stored memories. Pass concepts (2-5) instead of query for AND-matching across multiple ideas.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":              str("Natural language query"),
					"concepts":           strList("2-5 concepts that must all match (vector-only AND search)"),
					"specFolder":         str("Restrict to one folder"),
					"tier":               str("Restrict to one importance tier"),
					"contextType":        str("Restrict to one context type"),
					"limit":              num("Max results (default 10)"),
					"sessionId":          str("Session for attention tracking and content gating"),
					"turn":               num("Conversation turn number, drives attention decay"),
					"skipConstitutional": boolean("Do not prepend constitutional memories"),
					"includeSeen":        boolean("Also return results already surfaced to this session"),
				},
			},
		},
		{
			Name:        "match_triggers",
			Description: "Fast trigger-phrase matching against a prompt. No embedding call; use before search to catch explicit phrase hits.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"prompt":     str("The prompt text to scan"),
					"specFolder": str("Restrict to one folder"),
					"limit":      num("Max results (default 10)"),
					"sessionId":  str("Session for attention tracking and content gating"),
					"turn":       num("Conversation turn number, drives attention decay"),
				},
				Required: []string{"prompt"},
			},
		},
		{
			Name:        "save",
			Description: "Index or reindex one memory file, by path relative to the memory root.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":  str("File path relative to the memory root"),
					"force": boolean("Reindex even when the content hash is unchanged"),
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "create",
			Description: "Create a new memory note and index it.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"specFolder":     str("Folder the memory belongs to"),
					"fileName":       str("Optional .md file name; derived from title when omitted"),
					"title":          str("Memory title"),
					"triggerPhrases": strList("Phrases that should surface this memory"),
					"contextType":    str("Free-form context label"),
					"tier":           str("Importance tier"),
					"weight":         num("Importance weight in [0,1]"),
					"content":        str("Markdown body"),
				},
				Required: []string{"specFolder", "title", "content"},
			},
		},
		{
			Name:        "update",
			Description: "Change fields of an existing memory; omitted fields are kept.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":             num("Memory id"),
					"title":          str("New title"),
					"triggerPhrases": strList("New trigger phrases"),
					"contextType":    str("New context type"),
					"tier":           str("New importance tier"),
					"weight":         num("New weight in [0,1]"),
					"content":        str("New markdown body"),
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "delete",
			Description: "Delete one memory by id, or a whole folder with confirm=true. Rows, vectors and files go; a safety checkpoint is taken first.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":         num("Memory id"),
					"specFolder": str("Delete every memory in this folder instead"),
					"confirm":    boolean("Required for folder deletion"),
					"skipBackup": boolean("Skip the automatic safety checkpoint"),
				},
			},
		},
		{
			Name:        "validate",
			Description: "Record whether a retrieved memory was actually useful; adjusts its confidence.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":        num("Memory id"),
					"wasUseful": boolean("True if the memory helped"),
				},
				Required: []string{"id", "wasUseful"},
			},
		},
		{
			Name:        "get",
			Description: "Fetch one memory by id.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{"id": num("Memory id")},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "list",
			Description: "List memories, optionally filtered by folder or tier.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"specFolder": str("Restrict to one folder"),
					"tier":       str("Restrict to one importance tier"),
					"limit":      num("Page size (default 50)"),
					"offset":     num("Page offset"),
				},
			},
		},
		{
			Name:        "index_scan",
			Description: "Bulk-index the whole memory tree. Rate limited by a persisted cooldown.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"force": boolean("Reindex unchanged files too"),
				},
			},
		},
		{
			Name:        "stats",
			Description: "Store diagnostics: record counts by tier and embedding status, edges, checkpoints, sessions.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
		},
		{
			Name:        "health",
			Description: "Liveness of the database and the embedding provider.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
		},
		{
			Name:        "checkpoint_create",
			Description: "Snapshot all memories (rows and embeddings) under a name.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"name":       str("Checkpoint name"),
					"specFolder": str("Restrict the snapshot to one folder"),
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        "checkpoint_list",
			Description: "List checkpoints, newest first.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
		},
		{
			Name:        "checkpoint_restore",
			Description: "Restore a named checkpoint. Takes a safety checkpoint of the current state first.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"name":          str("Checkpoint name"),
					"clearExisting": boolean("Delete current records in scope before restoring"),
					"skipBackup":    boolean("Skip the automatic safety checkpoint"),
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        "checkpoint_delete",
			Description: "Delete a named checkpoint.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{"name": str("Checkpoint name")},
				Required:   []string{"name"},
			},
		},
		{
			Name:        "causal_link",
			Description: "Record a causal relation between two memories.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sourceId": num("Causing memory id"),
					"targetId": num("Affected memory id"),
					"relation": Property{Type: "string", Description: "Relation kind", Enum: []string{"caused", "enabled", "supersedes", "contradicts", "derived_from", "supports"}},
					"strength": num("Relation strength in [0,1], default 0.5"),
					"evidence": str("Free-form evidence note"),
				},
				Required: []string{"sourceId", "targetId", "relation"},
			},
		},
		{
			Name:        "causal_unlink",
			Description: "Remove a causal relation.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sourceId": num("Causing memory id"),
					"targetId": num("Affected memory id"),
					"relation": str("Relation kind"),
				},
				Required: []string{"sourceId", "targetId", "relation"},
			},
		},
		{
			Name:        "causal_stats",
			Description: "Aggregate view of the causal graph.",
			InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
		},
		{
			Name:        "drift_why",
			Description: "Walk the causal graph backwards from a memory to explain how it came to be.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      num("Memory id to explain"),
					"maxHops": num("Chain depth bound, default 3, max 6"),
				},
				Required: []string{"id"},
			},
		},
	}
}

// dispatchTool routes a tool call to the service. Unknown arguments are
// ignored; missing required ones surface as validation errors from the
// service layer.
func (s *Server) dispatchTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case "search":
		var req service.SearchRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Search(ctx, req)

	case "match_triggers":
		var req service.MatchTriggersRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.MatchTriggers(req)

	case "save":
		var a struct {
			Path  string `json:"path"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.IndexFile(ctx, a.Path, a.Force)

	case "create":
		var req service.CreateRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Create(ctx, req)

	case "update":
		var req service.UpdateRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Update(ctx, req)

	case "delete":
		var req service.DeleteRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		deleted, err := s.svc.Delete(req)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": deleted}, nil

	case "validate":
		var a struct {
			ID        int64 `json:"id"`
			WasUseful bool  `json:"wasUseful"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Validate(a.ID, a.WasUseful)

	case "get":
		var a struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Get(a.ID)

	case "list":
		var a struct {
			SpecFolder string `json:"specFolder"`
			Tier       string `json:"tier"`
			Limit      int    `json:"limit"`
			Offset     int    `json:"offset"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.List(a.SpecFolder, a.Tier, a.Limit, a.Offset)

	case "index_scan":
		var a struct {
			Force bool `json:"force"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Scan(ctx, a.Force)

	case "stats":
		return s.svc.Stats()

	case "health":
		return s.svc.Health(ctx), nil

	case "checkpoint_create":
		var a struct {
			Name       string `json:"name"`
			SpecFolder string `json:"specFolder"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.CheckpointCreate(a.Name, a.SpecFolder)

	case "checkpoint_list":
		return s.svc.CheckpointList()

	case "checkpoint_restore":
		var a struct {
			Name          string `json:"name"`
			ClearExisting bool   `json:"clearExisting"`
			SkipBackup    bool   `json:"skipBackup"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		restored, err := s.svc.CheckpointRestore(a.Name, a.ClearExisting, a.SkipBackup)
		if err != nil {
			return nil, err
		}
		return map[string]int{"restored": restored}, nil

	case "checkpoint_delete":
		var a struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		if err := s.svc.CheckpointDelete(a.Name); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil

	case "causal_link":
		var req service.LinkRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Link(req)

	case "causal_unlink":
		var a struct {
			SourceID int64  `json:"sourceId"`
			TargetID int64  `json:"targetId"`
			Relation string `json:"relation"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		if err := s.svc.Unlink(a.SourceID, a.TargetID, a.Relation); err != nil {
			return nil, err
		}
		return map[string]bool{"unlinked": true}, nil

	case "causal_stats":
		return s.svc.CausalStats()

	case "drift_why":
		var a struct {
			ID      int64 `json:"id"`
			MaxHops int   `json:"maxHops"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, badArgs(err)
		}
		return s.svc.Why(a.ID, a.MaxHops)
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

func badArgs(err error) error {
	return engramerr.Validation("invalid arguments: %v", err)
}
