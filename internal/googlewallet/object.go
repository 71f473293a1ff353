package googlewallet

import (
	"fmt"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
)

var barcodeTypes = map[string]string{
	"PKBarcodeFormatQR":      "QR_CODE",
	"PKBarcodeFormatPDF417":  "PDF_417",
	"PKBarcodeFormatAztec":   "AZTEC",
	"PKBarcodeFormatCode128": "CODE_128",
}

// BarcodeType translates an Apple barcode format to its Google name.
// Unknown formats fall back to QR_CODE.
func BarcodeType(appleFormat string) string {
	if t, ok := barcodeTypes[appleFormat]; ok {
		return t
	}
	return "QR_CODE"
}

// vertical maps a pass style to the Google Wallet resource family.
func vertical(style model.PassStyle) string {
	switch style {
	case model.StyleStoreCard:
		return "loyalty"
	case model.StyleCoupon:
		return "offer"
	case model.StyleEventTicket:
		return "eventTicket"
	default:
		return "generic"
	}
}

// ClassID returns the class id of a template.
func ClassID(issuerID string, tmpl *model.PassTemplate) string {
	return fmt.Sprintf("%s.%s_%d", issuerID, tmpl.Style, tmpl.ID)
}

// ObjectID returns the object id of a pass.
func ObjectID(issuerID, serial string) string {
	return issuerID + "." + serial
}

type localizedString struct {
	DefaultValue translatedString `json:"defaultValue"`
}

type translatedString struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

func localized(v string) *localizedString {
	return &localizedString{DefaultValue: translatedString{Language: "en-US", Value: v}}
}

type textModule struct {
	ID     string `json:"id,omitempty"`
	Header string `json:"header,omitempty"`
	Body   string `json:"body"`
}

type image struct {
	SourceURI struct {
		URI string `json:"uri"`
	} `json:"sourceUri"`
}

type objectBarcode struct {
	Type          string `json:"type"`
	Value         string `json:"value"`
	AlternateText string `json:"alternateText,omitempty"`
}

// Object is the object payload sent to Google Wallet.
type Object struct {
	ID              string           `json:"id"`
	ClassID         string           `json:"classId"`
	State           string           `json:"state"`
	Barcode         *objectBarcode   `json:"barcode,omitempty"`
	TextModulesData []textModule     `json:"textModulesData,omitempty"`
	HeroImage       *image           `json:"heroImage,omitempty"`
	CardTitle       *localizedString `json:"cardTitle,omitempty"`
	Header          *localizedString `json:"header,omitempty"`
	HexBackground   string           `json:"hexBackgroundColor,omitempty"`
}

func objectState(s model.PassStatus) string {
	switch s {
	case model.PassVoided:
		return "INACTIVE"
	case model.PassExpired:
		return "EXPIRED"
	case model.PassRedeemed:
		return "COMPLETED"
	default:
		return "ACTIVE"
	}
}

// BuildObject renders the object payload for a pass. imageURL resolves a
// storage key to a public URL.
func BuildObject(account *model.Account, tmpl *model.PassTemplate, pass *model.Pass, imageURL func(string) string) (*Object, error) {
	content, err := passcontent.Parse(pass.Content)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		ID:      ObjectID(account.GoogleIssuerID, pass.SerialNumber),
		ClassID: ClassID(account.GoogleIssuerID, tmpl),
		State:   objectState(pass.Status),
	}
	if pass.BarcodeMessage != "" {
		obj.Barcode = &objectBarcode{
			Type:          BarcodeType(pass.BarcodeFormat),
			Value:         pass.BarcodeMessage,
			AlternateText: pass.BarcodeAltText,
		}
	}
	for _, f := range content.Fields(model.GroupPrimary) {
		obj.TextModulesData = append(obj.TextModulesData, textModule{
			ID:     f.Key,
			Header: f.Label,
			Body:   fmt.Sprint(f.Value),
		})
	}
	if imageURL != nil {
		for _, name := range []string{"strip@2x", "strip", "strip@3x"} {
			key, ok := pass.Images[name]
			if !ok {
				continue
			}
			if u := imageURL(key); u != "" {
				obj.HeroImage = &image{}
				obj.HeroImage.SourceURI.URI = u
				break
			}
		}
	}
	if vertical(tmpl.Style) == "generic" {
		obj.CardTitle = localized(issuerName(account, tmpl))
		obj.Header = localized(tmpl.Name)
		obj.HexBackground = tmpl.BackgroundColor
	}
	return obj, nil
}

func issuerName(account *model.Account, tmpl *model.PassTemplate) string {
	switch {
	case tmpl.OrganizationName != "":
		return tmpl.OrganizationName
	case account.OrganizationName != "":
		return account.OrganizationName
	default:
		return account.Name
	}
}

// buildClass renders the minimal class payload for a template.
func buildClass(account *model.Account, tmpl *model.PassTemplate) map[string]any {
	class := map[string]any{"id": ClassID(account.GoogleIssuerID, tmpl)}
	switch vertical(tmpl.Style) {
	case "loyalty":
		class["issuerName"] = issuerName(account, tmpl)
		class["programName"] = tmpl.Name
		class["reviewStatus"] = "UNDER_REVIEW"
	case "offer":
		class["issuerName"] = issuerName(account, tmpl)
		class["provider"] = issuerName(account, tmpl)
		class["title"] = tmpl.Name
		class["redemptionChannel"] = "BOTH"
		class["reviewStatus"] = "UNDER_REVIEW"
	case "eventTicket":
		class["issuerName"] = issuerName(account, tmpl)
		class["eventName"] = localized(tmpl.Name)
		class["reviewStatus"] = "UNDER_REVIEW"
	}
	return class
}
