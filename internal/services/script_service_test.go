// internal/services/script_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/JubenshaMCP/internal/errors"
	"github.com/Corphon/JubenshaMCP/internal/models"
)

func TestScriptRoundTrip(t *testing.T) {
	svc := NewScriptService(t.TempDir())

	script := &models.Script{
		Name:        "庄园疑云",
		Description: "民国年间的密室命案",
		Difficulty:  models.DifficultyMedium,
		PlayerCount: 5,
	}
	require.NoError(t, svc.SaveScript(script))
	require.NotEmpty(t, script.ID)

	loaded, err := svc.GetScript(script.ID)
	require.NoError(t, err)
	assert.Equal(t, script.Name, loaded.Name)
	assert.Equal(t, models.DifficultyMedium, loaded.Difficulty)
}

func TestGetScriptNotFound(t *testing.T) {
	svc := NewScriptService(t.TempDir())

	_, err := svc.GetScript("ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestListScriptsNewestFirst(t *testing.T) {
	svc := NewScriptService(t.TempDir())

	older := &models.Script{Name: "旧剧本", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &models.Script{Name: "新剧本", CreatedAt: time.Now()}
	require.NoError(t, svc.SaveScript(older))
	require.NoError(t, svc.SaveScript(newer))

	scripts, err := svc.ListScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "新剧本", scripts[0].Name)
	assert.Equal(t, "旧剧本", scripts[1].Name)
}

func TestCharactersKeepDeclarationOrder(t *testing.T) {
	svc := NewScriptService(t.TempDir())
	scriptID := "s1"

	require.NoError(t, svc.SaveCharacters(scriptID, []models.Character{
		{Name: "管家"},
		{Name: "大小姐"},
		{Name: "医生"},
	}))

	characters, err := svc.GetCharacters(scriptID)
	require.NoError(t, err)
	require.Len(t, characters, 3)
	assert.Equal(t, "管家", characters[0].Name)
	assert.Equal(t, "医生", characters[2].Name)
	for i, c := range characters {
		assert.Equal(t, i, c.OrderIndex)
		assert.NotEmpty(t, c.ID)
	}

	single, err := svc.GetCharacter(scriptID, characters[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "大小姐", single.Name)

	_, err = svc.GetCharacter(scriptID, "ghost")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestGetPublicCluesFiltersPrivate(t *testing.T) {
	svc := NewScriptService(t.TempDir())
	scriptID := "s1"

	require.NoError(t, svc.SaveClues(scriptID, []models.Clue{
		{Name: "茶杯残渣", Visibility: models.CluePublic},
		{Name: "威胁信", Visibility: models.CluePrivate},
		{Name: "脚印", Visibility: models.CluePublic},
	}))

	public, err := svc.GetPublicClues(scriptID)
	require.NoError(t, err)
	require.Len(t, public, 2)
	for _, clue := range public {
		assert.Equal(t, models.CluePublic, clue.Visibility)
	}
}

func TestDeleteScriptRemovesEverything(t *testing.T) {
	svc := NewScriptService(t.TempDir())

	script := &models.Script{Name: "待删剧本"}
	require.NoError(t, svc.SaveScript(script))
	require.NoError(t, svc.SaveClues(script.ID, []models.Clue{{Name: "线索"}}))

	require.NoError(t, svc.DeleteScript(script.ID))

	_, err := svc.GetScript(script.ID)
	assert.Error(t, err)
	_, err = svc.GetClues(script.ID)
	assert.Error(t, err)
}
