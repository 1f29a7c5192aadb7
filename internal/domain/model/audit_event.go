package model

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// AuditEvent is the canonical projection of a JobRecord sent to the message bus.
type AuditEvent struct {
	JobID        string   `json:"job_id"`
	WorkflowPath string   `json:"workflow_path,omitempty"`
	User         string   `json:"user,omitempty"`
	State        string   `json:"state,omitempty"`
	Timestamp    string   `json:"timestamp"`
	StartedAt    string   `json:"started_at,omitempty"`
	FinishedAt   string   `json:"finished_at,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Paths        []string `json:"paths,omitempty"`
	AuditPath    string   `json:"audit_path,omitempty"`
	Complete     bool     `json:"complete"`
}

// Key identifies the event for consumer side dedupe.
func (e AuditEvent) Key() string {
	return e.JobID + "@" + e.Timestamp
}

// AuditApplication is the fixed application block of every audit record.
type AuditApplication struct {
	Name      string
	Component string
	HostName  string
	Namespace string
}

type xmlEventList struct {
	XMLName xml.Name `xml:"auditEventList"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	Event   xmlEvent `xml:"auditEvent"`
}

type xmlEvent struct {
	Actor       xmlActor       `xml:"actor"`
	Application xmlApplication `xml:"application"`
	Action      xmlAction      `xml:"action"`
}

type xmlActor struct {
	ID   string `xml:"id"`
	Name string `xml:"name"`
}

type xmlApplication struct {
	Component string `xml:"component"`
	HostName  string `xml:"hostName"`
	Name      string `xml:"name"`
}

type xmlAction struct {
	ActionType     string    `xml:"actionType"`
	AdditionalInfo []xmlInfo `xml:"additionalInfo"`
	Timestamp      string    `xml:"timestamp"`
}

type xmlInfo struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// RenderXML serializes the event into the auditEventList document.
func (e AuditEvent) RenderXML(app AuditApplication) ([]byte, error) {
	info := []xmlInfo{
		{Name: "jobId", Value: e.JobID},
		{Name: "workflowPath", Value: e.WorkflowPath},
		{Name: "errorMessage", Value: e.ErrorMessage},
		{Name: "paths", Value: strings.Join(e.Paths, ",")},
		{Name: "audit_path", Value: e.AuditPath},
		{Name: "complete", Value: strconv.FormatBool(e.Complete)},
	}
	if e.StartedAt != "" {
		info = append(info, xmlInfo{Name: "startedAt", Value: e.StartedAt})
	}
	if e.FinishedAt != "" {
		info = append(info, xmlInfo{Name: "finishedAt", Value: e.FinishedAt})
	}

	doc := xmlEventList{
		Xmlns: app.Namespace,
		Event: xmlEvent{
			Actor:       xmlActor{ID: e.User, Name: e.User},
			Application: xmlApplication{Component: app.Component, HostName: app.HostName, Name: app.Name},
			Action:      xmlAction{ActionType: e.State, AdditionalInfo: info, Timestamp: e.Timestamp},
		},
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
