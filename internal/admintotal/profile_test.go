package admintotal

import (
	"context"
	"strings"
	"testing"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/browser/browsertest"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/warehouse"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFilters(t *testing.T) {
	p := DefaultProfile()
	got := p.Filters(warehouse.Warehouse{Name: "MATRIZ", FilterCode: "9", ShelfCode: "DIARIOMTZ"})

	expected := []FieldValue{
		{Field: browser.Field{Selector: `input[name="usar_posicion"]`, Kind: browser.FieldCheckbox}, Value: "true"},
		{Field: browser.Field{Selector: `input[name="con_existencia"]`, Kind: browser.FieldCheckbox}, Value: "true"},
		{Field: browser.Field{Selector: `select[name="almacen"]`, Kind: browser.FieldSelect}, Value: "9"},
		{Field: browser.Field{Selector: `input[name="desde_anaquel"]`, Kind: browser.FieldText}, Value: "DIARIOMTZ"},
		{Field: browser.Field{Selector: `input[name="hasta_anaquel"]`, Kind: browser.FieldText}, Value: "DIARIOMTZ"},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Fatal("unexpected filters", diff)
	}
}

func TestDownloadLocatorsOrder(t *testing.T) {
	p := DefaultProfile()
	locators := p.DownloadLocators()
	require.Len(t, locators, 3)
	require.Equal(t, locate.Selector(p.DownloadSelectors[0]), locators[0])
	require.Equal(t, locate.Selector(p.DownloadSelectors[1]), locators[1])
	require.Equal(t, locate.LinkMatching{Scope: p.DownloadScope, Needles: p.DownloadNeedles}, locators[2])

	p.DownloadNeedles = nil
	require.Len(t, p.DownloadLocators(), 2)
}

const stalePanel = `<html><body>
	<div class="slide-panel process-center-wrapper visible"><div class="content"><ul>
		<li>inventario_fisico.xlsx (procesando...)</li>
		<li><a href="/admin/procesos/descargar_archivo/1111/">inventario_fisico.xlsx</a></li>
	</ul></div></div>
</body></html>`

func TestDownloadLocatorsIgnoreOlderJobs(t *testing.T) {
	page := browsertest.NewPage(stalePanel)
	for _, locator := range DefaultProfile().DownloadLocators() {
		element, ok, err := locator.Locate(context.Background(), page)
		require.NoError(t, err)
		require.False(t, ok, "%s matched %s", locator, element.Href)
	}

	page.SetHTML(strings.Replace(
		stalePanel,
		"<li>inventario_fisico.xlsx (procesando...)</li>",
		`<li><a href="/admin/procesos/descargar_archivo/2222/">inventario_fisico.xlsx</a></li>`,
		1,
	))
	for _, locator := range DefaultProfile().DownloadLocators() {
		element, ok, err := locator.Locate(context.Background(), page)
		require.NoError(t, err)
		require.True(t, ok, locator.String())
		require.Equal(t, "/admin/procesos/descargar_archivo/2222/", element.Href, locator.String())
	}
}
