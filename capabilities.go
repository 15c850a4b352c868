package lspvisor

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/sjson"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// capabilityPaths maps a dynamic-registration method to the field it toggles
// inside the capabilities record. Registration options become the field
// value; a registration without options sets the field to true.
var capabilityPaths = map[string]string{
	"textDocument/completion":           "completionProvider",
	"textDocument/hover":                "hoverProvider",
	"textDocument/signatureHelp":        "signatureHelpProvider",
	"textDocument/declaration":          "declarationProvider",
	"textDocument/definition":           "definitionProvider",
	"textDocument/typeDefinition":       "typeDefinitionProvider",
	"textDocument/implementation":       "implementationProvider",
	"textDocument/references":           "referencesProvider",
	"textDocument/documentHighlight":    "documentHighlightProvider",
	"textDocument/documentSymbol":       "documentSymbolProvider",
	"textDocument/codeAction":           "codeActionProvider",
	"textDocument/codeLens":             "codeLensProvider",
	"textDocument/documentLink":         "documentLinkProvider",
	"textDocument/documentColor":        "colorProvider",
	"textDocument/formatting":           "documentFormattingProvider",
	"textDocument/rangeFormatting":      "documentRangeFormattingProvider",
	"textDocument/onTypeFormatting":     "documentOnTypeFormattingProvider",
	"textDocument/rename":               "renameProvider",
	"textDocument/foldingRange":         "foldingRangeProvider",
	"textDocument/selectionRange":       "selectionRangeProvider",
	"textDocument/semanticTokens":       "semanticTokensProvider",
	"textDocument/linkedEditingRange":   "linkedEditingRangeProvider",
	"textDocument/prepareCallHierarchy": "callHierarchyProvider",
	"textDocument/moniker":              "monikerProvider",
	"workspace/symbol":                  "workspaceSymbolProvider",
	"workspace/executeCommand":          "executeCommandProvider",
}

// applyRegistrations returns a copy of caps with the registrations applied,
// and whether the copy structurally differs from caps. Malformed or unmapped
// registrations are logged and skipped; they never fail the request.
func applyRegistrations(caps *protocol.ServerCapabilities, regs []protocol.Registration, logger *zap.Logger) (*protocol.ServerCapabilities, bool) {
	raw, err := json.Marshal(caps)
	if err != nil {
		logger.Warn("marshal capabilities for registration", zap.Error(err))
		return caps, false
	}

	for _, reg := range regs {
		path, ok := capabilityPaths[reg.Method]
		if !ok {
			logger.Warn("dynamic registration for unmapped method", zap.String("method", reg.Method))
			continue
		}
		if reg.RegisterOptions != nil {
			opts, err := json.Marshal(reg.RegisterOptions)
			if err != nil {
				logger.Warn("marshal register options", zap.String("method", reg.Method), zap.Error(err))
				continue
			}
			raw, err = sjson.SetRawBytes(raw, path, opts)
			if err != nil {
				logger.Warn("apply registration", zap.String("method", reg.Method), zap.Error(err))
				continue
			}
		} else {
			raw, err = sjson.SetBytes(raw, path, true)
			if err != nil {
				logger.Warn("apply registration", zap.String("method", reg.Method), zap.Error(err))
				continue
			}
		}
	}

	return decodeChangedCapabilities(caps, raw, logger)
}

// applyUnregistrations is the inverse of applyRegistrations: each mapped
// method has its capability field removed.
func applyUnregistrations(caps *protocol.ServerCapabilities, unregs []protocol.Unregistration, logger *zap.Logger) (*protocol.ServerCapabilities, bool) {
	raw, err := json.Marshal(caps)
	if err != nil {
		logger.Warn("marshal capabilities for unregistration", zap.Error(err))
		return caps, false
	}

	for _, unreg := range unregs {
		path, ok := capabilityPaths[unreg.Method]
		if !ok {
			logger.Warn("dynamic unregistration for unmapped method", zap.String("method", unreg.Method))
			continue
		}
		raw, err = sjson.DeleteBytes(raw, path)
		if err != nil {
			logger.Warn("apply unregistration", zap.String("method", unreg.Method), zap.Error(err))
			continue
		}
	}

	return decodeChangedCapabilities(caps, raw, logger)
}

func decodeChangedCapabilities(current *protocol.ServerCapabilities, raw []byte, logger *zap.Logger) (*protocol.ServerCapabilities, bool) {
	next := &protocol.ServerCapabilities{}
	if err := json.Unmarshal(raw, next); err != nil {
		logger.Warn("decode patched capabilities", zap.Error(err))
		return current, false
	}
	if capabilitiesEqual(current, next) {
		return current, false
	}
	return next, true
}

// capabilitiesEqual reports structural equality of two capability records.
func capabilitiesEqual(a, b *protocol.ServerCapabilities) bool {
	if a == nil || b == nil {
		return a == b
	}
	return cmp.Equal(a, b)
}
