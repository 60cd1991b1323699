package keyrequest

import "fmt"

// StatusMessage is the submitter facing outcome for a request in state s.
func StatusMessage(s State, model string) string {
	switch s {
	case StatePending:
		return fmt.Sprintf("Your key request for %s is pending approval. You will be notified via email once approved.", model)
	case StateApproved:
		return fmt.Sprintf("Your key request for %s has been approved. Check your email for the API key.", model)
	case StateDenied:
		return fmt.Sprintf("Your key request for %s was denied. Please contact support for more information.", model)
	default:
		return fmt.Sprintf("Your key request for %s is being processed.", model)
	}
}

// CreatedMessage is returned when a new request was accepted.
func CreatedMessage(model string) string {
	return fmt.Sprintf("Key request for %s has been created successfully. You will be notified via email once your request is processed.", model)
}
