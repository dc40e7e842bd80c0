package conversation

import (
	"fmt"

	"github.com/example/errand-matching/internal/models"
)

// Flow names, persisted under the _flow payload key.
const (
	FlowRegisterRider    = "register_rider"
	FlowRegisterErrander = "register_errander"
	FlowOrder            = "order"
	FlowErrand           = "errand"
)

const (
	keyFlow = "_flow"
	keyStep = "_step"
)

type step struct {
	name   string
	prompt func(p map[string]string) string
	parse  func(in Input) (string, error)
	sealed bool
}

type flow struct {
	name  string
	steps []step
	role  models.Role     // registration flows
	kind  models.TaskKind // task flows
}

func (f *flow) registration() bool { return f.role != "" }

func (f *flow) index(name string) int {
	for i, s := range f.steps {
		if s.name == name {
			return i
		}
	}
	return -1
}

func fixed(text string) func(map[string]string) string {
	return func(map[string]string) string { return text }
}

func textParser(fn func(string) (string, error)) func(Input) (string, error) {
	return func(in Input) (string, error) { return fn(in.Text) }
}

func registrationSteps() []step {
	return []step{
		{name: "name", prompt: fixed("What is your full name?"), parse: textParser(ValidateName)},
		{name: "phone", prompt: fixed("Share your contact or type your phone number."), parse: func(in Input) (string, error) {
			if in.Phone != "" {
				return ValidatePhone(in.Phone)
			}
			return ValidatePhone(in.Text)
		}},
		{name: "bank", prompt: fixed("Send the bank account number for payouts."), parse: textParser(ValidateBank), sealed: true},
		{name: "identity", prompt: fixed("Send your identity document number."), parse: textParser(ValidateIdentity), sealed: true},
		{name: "photo", prompt: fixed("Finally, send a profile photo."), parse: ValidatePhoto},
	}
}

func confirmStep(summary func(map[string]string) string) step {
	return step{
		name:   "confirm",
		prompt: func(p map[string]string) string { return summary(p) + "\nConfirm? (yes/no)" },
		parse:  textParser(ParseConfirm),
	}
}

var flows = map[string]*flow{
	FlowRegisterRider:    {name: FlowRegisterRider, role: models.RoleRider, steps: registrationSteps()},
	FlowRegisterErrander: {name: FlowRegisterErrander, role: models.RoleErrander, steps: registrationSteps()},
	FlowOrder: {name: FlowOrder, kind: models.KindOrder, steps: []step{
		{name: "pickup", prompt: fixed("Where should the rider pick up? Share a location or type lat,lng."), parse: ValidateLocation},
		{name: "dropoff", prompt: fixed("Where should it be delivered?"), parse: ValidateLocation},
		confirmStep(func(p map[string]string) string {
			return fmt.Sprintf("Delivery from %s to %s.", p["pickup"], p["dropoff"])
		}),
	}},
	FlowErrand: {name: FlowErrand, kind: models.KindErrand, steps: []step{
		{name: "location", prompt: fixed("Where is the errand? Share a location or type lat,lng."), parse: ValidateLocation},
		{name: "description", prompt: fixed("Describe what needs to be done."), parse: textParser(ValidateDescription)},
		confirmStep(func(p map[string]string) string {
			return fmt.Sprintf("Errand at %s: %s", p["location"], p["description"])
		}),
	}},
}

// Flows lists the names Begin accepts.
func Flows() []string {
	return []string{FlowRegisterRider, FlowRegisterErrander, FlowOrder, FlowErrand}
}
