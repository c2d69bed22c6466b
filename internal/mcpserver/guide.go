package mcpserver

// ScopeGuide describes how scopes, items and batch results behave, for LLM
// consumers of the tools.
const ScopeGuide = `# docscope Guide

docscope mirrors several document containers ("scopes"). Each scope is a tree
of folders and files addressed by slash-separated paths relative to the scope
root. The empty path is the root folder.

## Scopes

- ` + "`" + `list_scopes` + "`" + ` returns every scope in presentation order: local scopes, cloud
  scopes, then the trash scope, then the template scope.
- A scope reports ` + "`" + `scanned: false` + "`" + ` until its first enumeration has finished.
  Listings may be incomplete before that.

## Items

- Folders contain files and folders. Packages are directories that behave as a
  single file (for example ` + "`" + `outline.oo3` + "`" + `).
- Names never contain ` + "`" + `/` + "`" + `. Names that are taken are disambiguated by
  appending a counter: ` + "`" + `Report.txt` + "`" + ` becomes ` + "`" + `Report 2.txt` + "`" + `.

## Batch results

Every batch tool returns JSON of the form:

` + "```" + `json
{"items": [{"path": "archive/a.txt", ...}], "errors": [{"path": "b.txt", "error": "already exists"}]}
` + "```" + `

One item failing never stops the others. Moves keep names and fail an item
whose name is taken in the destination; copies and trash rename instead.

## Trash

- ` + "`" + `trash_item` + "`" + ` moves an item into the trash scope by its full location
  (scope url + "/" + path) and returns its new location.
- A scope may refuse to give up items while they are in use. The whole
  transfer is then refused and nothing moves.
`
