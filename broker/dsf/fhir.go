// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import "encoding/json"

// Minimal FHIR R4 resource shapes exchanged with a DSF instance.

const (
	fhirJSON = "application/fhir+json"

	readAccessTagSystem = "http://dsf.dev/fhir/CodeSystem/read-access-tag"
	bpmnMessageSystem   = "http://dsf.dev/fhir/CodeSystem/bpmn-message"
	organizationIDSys   = "http://dsf.dev/sid/organization-identifier"
	feasibilitySystem   = "http://medizininformatik-initiative.de/fhir/CodeSystem/feasibility"

	feasibilityProcess     = "http://medizininformatik-initiative.de/bpe/Process/feasibilityRequest|1.0"
	feasibilityTaskProfile = "http://medizininformatik-initiative.de/fhir/StructureDefinition/feasibility-task-request|1.0"
	feasibilityMessageName = "feasibilityRequestMessage"
)

type coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type codeableConcept struct {
	Coding []coding `json:"coding,omitempty"`
}

type meta struct {
	Profile []string `json:"profile,omitempty"`
	Tag     []coding `json:"tag,omitempty"`
}

type identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *identifier `json:"identifier,omitempty"`
}

// Bundle is a FHIR bundle, used for search results and transactions.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *bundleRequest  `json:"request,omitempty"`
	Response *bundleResponse `json:"response,omitempty"`
}

type bundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type bundleResponse struct {
	Status   string `json:"status,omitempty"`
	Location string `json:"location,omitempty"`
}

// resourceHeader peeks at the type and id of a raw resource.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

// Subscription is the FHIR resource a DSF websocket channel is bound to.
type Subscription struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id,omitempty"`
	Meta         *meta               `json:"meta,omitempty"`
	Status       string              `json:"status"`
	Reason       string              `json:"reason,omitempty"`
	Criteria     string              `json:"criteria"`
	Channel      subscriptionChannel `json:"channel"`
}

type subscriptionChannel struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

type task struct {
	ResourceType          string          `json:"resourceType"`
	ID                    string          `json:"id,omitempty"`
	Meta                  *meta           `json:"meta,omitempty"`
	InstantiatesCanonical string          `json:"instantiatesCanonical,omitempty"`
	Status                string          `json:"status"`
	Intent                string          `json:"intent,omitempty"`
	AuthoredOn            string          `json:"authoredOn,omitempty"`
	Requester             *reference      `json:"requester,omitempty"`
	Restriction           *taskRestrict   `json:"restriction,omitempty"`
	Input                 []taskParameter `json:"input,omitempty"`
}

type taskRestrict struct {
	Recipient []reference `json:"recipient,omitempty"`
}

type taskParameter struct {
	Type           codeableConcept `json:"type"`
	ValueString    string          `json:"valueString,omitempty"`
	ValueReference *reference      `json:"valueReference,omitempty"`
}

// businessKey returns the task's business-key input, if any.
func (t *task) businessKey() string {
	for _, in := range t.Input {
		for _, c := range in.Type.Coding {
			if c.System == bpmnMessageSystem && c.Code == "business-key" {
				return in.ValueString
			}
		}
	}
	return ""
}

type attachment struct {
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type library struct {
	ResourceType string          `json:"resourceType"`
	URL          string          `json:"url"`
	Name         string          `json:"name,omitempty"`
	Status       string          `json:"status"`
	Type         codeableConcept `json:"type"`
	Content      []attachment    `json:"content"`
}

type measure struct {
	ResourceType string          `json:"resourceType"`
	URL          string          `json:"url"`
	Status       string          `json:"status"`
	Library      []string        `json:"library"`
	Scoring      codeableConcept `json:"scoring"`
	Group        []measureGroup  `json:"group"`
}

type measureGroup struct {
	Population []measurePopulation `json:"population"`
}

type measurePopulation struct {
	Code     codeableConcept `json:"code"`
	Criteria expression      `json:"criteria"`
}

type expression struct {
	Language   string `json:"language"`
	Expression string `json:"expression"`
}
