package passkit

import (
	"encoding/json"
	"fmt"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
)

type barcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText,omitempty"`
}

// BuildPassJSON renders pass.json for a pass.
func BuildPassJSON(account *model.Account, tmpl *model.PassTemplate, pass *model.Pass, webServiceURL string) ([]byte, error) {
	content, err := passcontent.Parse(pass.Content)
	if err != nil {
		return nil, err
	}
	body, err := content.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode pass content: %w", err)
	}
	var style map[string]json.RawMessage
	if err := json.Unmarshal(body, &style); err != nil {
		return nil, fmt.Errorf("failed to encode pass content: %w", err)
	}
	if tmpl.Style == model.StyleBoardingPass && tmpl.TransitType != "" {
		if _, ok := style["transitType"]; !ok {
			style["transitType"], _ = json.Marshal(tmpl.TransitType)
		}
	}

	doc := map[string]any{
		"formatVersion":      1,
		"passTypeIdentifier": account.ApplePassTypeID,
		"teamIdentifier":     account.AppleTeamID,
		"serialNumber":       pass.SerialNumber,
		"organizationName":   organizationName(account, tmpl),
		"description":        description(tmpl),
		string(tmpl.Style):   style,
	}
	setIfNotEmpty(doc, "logoText", tmpl.LogoText)
	setIfNotEmpty(doc, "backgroundColor", tmpl.BackgroundColor)
	setIfNotEmpty(doc, "foregroundColor", tmpl.ForegroundColor)
	setIfNotEmpty(doc, "labelColor", tmpl.LabelColor)

	if webServiceURL != "" {
		doc["webServiceURL"] = webServiceURL
		doc["authenticationToken"] = pass.AuthenticationToken
	}

	if pass.BarcodeMessage != "" {
		bc := barcode{
			Format:          barcodeFormat(pass.BarcodeFormat),
			Message:         pass.BarcodeMessage,
			MessageEncoding: "iso-8859-1",
			AltText:         pass.BarcodeAltText,
		}
		doc["barcode"] = bc
		doc["barcodes"] = []barcode{bc}
	}

	if pass.IsVoided() {
		doc["voided"] = true
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pass.json: %w", err)
	}
	return out, nil
}

func barcodeFormat(f string) string {
	if f == "" {
		return "PKBarcodeFormatQR"
	}
	return f
}

func organizationName(account *model.Account, tmpl *model.PassTemplate) string {
	switch {
	case tmpl.OrganizationName != "":
		return tmpl.OrganizationName
	case account.OrganizationName != "":
		return account.OrganizationName
	default:
		return account.Name
	}
}

func description(tmpl *model.PassTemplate) string {
	if tmpl.Description != "" {
		return tmpl.Description
	}
	return tmpl.Name
}

func setIfNotEmpty(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}
