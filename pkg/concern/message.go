package concern

import (
	"fmt"
	"strings"

	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

var templates = map[types.ConcernCause]string{
	types.CauseConfig:        "${source} has an issue with its config",
	types.CauseImport:        "${source} has an issue with required import",
	types.CauseService:       "${source} is missing required services",
	types.CauseHostComponent: "${source} has an issue with host-component mapping",
	types.CauseRequirement:   "${source} has an issue with requirement",
}

const (
	lockTemplate = "${target} has been locked by running action ${action}"
	flagTemplate = "${source} has an outdated configuration"
)

// Name returns a human readable name of an object for messages
func Name(tx storage.Tx, ref types.ObjectRef) string {
	protoName := func(id int64) string {
		p, err := tx.GetPrototype(id)
		if err != nil {
			return ""
		}
		return p.DisplayName
	}
	switch ref.Type {
	case types.ObjectCluster:
		if c, err := tx.GetCluster(ref.ID); err == nil {
			return c.Name
		}
	case types.ObjectProvider:
		if p, err := tx.GetProvider(ref.ID); err == nil {
			return p.Name
		}
	case types.ObjectHost:
		if h, err := tx.GetHost(ref.ID); err == nil {
			return h.FQDN
		}
	case types.ObjectService:
		if s, err := tx.GetService(ref.ID); err == nil {
			return protoName(s.PrototypeID)
		}
	case types.ObjectComponent:
		if c, err := tx.GetComponent(ref.ID); err == nil {
			return protoName(c.PrototypeID)
		}
	}
	return ref.String()
}

func placeholder(tx storage.Tx, ref types.ObjectRef) types.Placeholder {
	return types.Placeholder{Type: ref.Type, ID: ref.ID, Name: Name(tx, ref)}
}

// render substitutes ${key} with placeholder names
func render(template string, ph map[string]types.Placeholder) string {
	text := template
	for key, p := range ph {
		text = strings.ReplaceAll(text, "${"+key+"}", p.Name)
	}
	return text
}

func issueMessage(tx storage.Tx, cause types.ConcernCause, owner types.ObjectRef, problems []string) types.Message {
	tpl := templates[cause]
	ph := map[string]types.Placeholder{"source": placeholder(tx, owner)}
	return types.Message{
		Template:     tpl,
		Placeholders: ph,
		Text:         render(tpl, ph) + ": " + strings.Join(problems, "; "),
	}
}

func lockMessage(tx storage.Tx, target types.ObjectRef, action *types.Action) types.Message {
	ph := map[string]types.Placeholder{"target": placeholder(tx, target)}
	if action != nil {
		name := action.DisplayName
		if name == "" {
			name = action.Name
		}
		ph["action"] = types.Placeholder{Type: "action", ID: action.ID, Name: fmt.Sprintf("%q", name)}
	}
	return types.Message{Template: lockTemplate, Placeholders: ph, Text: render(lockTemplate, ph)}
}

func flagMessage(tx storage.Tx, owner types.ObjectRef, text string) types.Message {
	ph := map[string]types.Placeholder{"source": placeholder(tx, owner)}
	msg := types.Message{Template: flagTemplate, Placeholders: ph, Text: render(flagTemplate, ph)}
	if text != "" {
		msg.Text += ": " + text
	}
	return msg
}
