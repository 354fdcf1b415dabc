// Package admintotal describes the admintotal physical inventory export page: where its controls
// are and how it needs to be driven.
package admintotal

import (
	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/warehouse"
)

// FieldValue is a value to put into a form control.
type FieldValue struct {
	Field browser.Field
	Value string
}

// Profile holds the selectors and site-specific behavior of the export page. Every field can be
// overridden from configuration.
type Profile struct {
	Url   string            `json:"url"`
	Login browser.LoginForm `json:"login"`

	// FormReadySelector is waited on before the filters are touched.
	FormReadySelector string `json:"form_ready_selector"`
	// Toggles are checkboxes that must be checked for the export to contain shelf positions and only
	// items in stock.
	Toggles         []string `json:"toggles"`
	WarehouseSelect string   `json:"warehouse_select"`
	ShelfFromInput  string   `json:"shelf_from_input"`
	ShelfToInput    string   `json:"shelf_to_input"`
	// FilterReapplies is how many times the filters are set again if the page reset them.
	FilterReapplies int `json:"filter_reapplies"`

	ExportSelector string `json:"export_selector"`
	// ExportClicks is how many times the export action is invoked, some deployments show a
	// confirmation on the first click that the second one dismisses.
	ExportClicks         int    `json:"export_clicks"`
	ProcessPanelSelector string `json:"process_panel_selector"`

	// DownloadSelectors are tried in order before falling back to a link matching DownloadNeedles
	// within DownloadScope. The process panel lists older jobs below the newest one, so every
	// default only looks at its first entry.
	DownloadSelectors []string `json:"download_selectors"`
	DownloadScope     string   `json:"download_scope"`
	DownloadNeedles   []string `json:"download_needles"`
}

// DefaultProfile is the profile of sanbenito.admintotal.com.
func DefaultProfile() Profile {
	return Profile{
		Url: "https://sanbenito.admintotal.com/admin/inventario/utilerias/inventario_fisico/descarga_archivos/?task_panel=1&first=1",
		Login: browser.LoginForm{
			UsernameSelector: `input[name="username"]`,
			PasswordSelector: `input[name="password"]`,
			SubmitSelector:   `button[type="submit"]`,
		},
		FormReadySelector: `input[type="checkbox"]`,
		Toggles: []string{
			`input[name="usar_posicion"]`,
			`input[name="con_existencia"]`,
		},
		WarehouseSelect: `select[name="almacen"]`,
		ShelfFromInput:  `input[name="desde_anaquel"]`,
		ShelfToInput:    `input[name="hasta_anaquel"]`,
		FilterReapplies: 1,

		ExportSelector:       `a[href="javascript:enviar('xls');"]`,
		ExportClicks:         1,
		ProcessPanelSelector: `.slide-panel.process-center-wrapper.visible`,

		DownloadSelectors: []string{
			`.slide-panel.process-center-wrapper.visible .content ul li:first-child a[href^="/admin/procesos/descargar_archivo/"]`,
			`.process-center-wrapper ul li:first-child a[href^="/admin/procesos/descargar_archivo/"]`,
		},
		DownloadScope:   `.process-center-wrapper ul li:first-child a`,
		DownloadNeedles: []string{"descargar_archivo", ".xlsx"},
	}
}

// Filters are the form values that select the export of a warehouse.
func (p Profile) Filters(w warehouse.Warehouse) []FieldValue {
	values := make([]FieldValue, 0, len(p.Toggles)+3)
	for _, toggle := range p.Toggles {
		values = append(values, FieldValue{
			Field: browser.Field{Selector: toggle, Kind: browser.FieldCheckbox},
			Value: "true",
		})
	}
	return append(
		values,
		FieldValue{
			Field: browser.Field{Selector: p.WarehouseSelect, Kind: browser.FieldSelect},
			Value: w.FilterCode,
		},
		FieldValue{
			Field: browser.Field{Selector: p.ShelfFromInput, Kind: browser.FieldText},
			Value: w.ShelfCode,
		},
		FieldValue{
			Field: browser.Field{Selector: p.ShelfToInput, Kind: browser.FieldText},
			Value: w.ShelfCode,
		},
	)
}

// DownloadLocators are the strategies for finding the generated file's link, most precise first.
func (p Profile) DownloadLocators() []locate.Locator {
	locators := make([]locate.Locator, 0, len(p.DownloadSelectors)+1)
	for _, s := range p.DownloadSelectors {
		locators = append(locators, locate.Selector(s))
	}
	if len(p.DownloadNeedles) > 0 {
		locators = append(locators, locate.LinkMatching{Scope: p.DownloadScope, Needles: p.DownloadNeedles})
	}
	return locators
}
