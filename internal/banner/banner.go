package banner

import (
	"syncstress/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

const ascii = `
                            __                      
   _______  ______  _______/ /_________  __________
  / ___/ / / / __ \/ ___/ ___/ __/ ___/ _ \/ ___/ ___/
 (__  ) /_/ / / / / /__(__  ) /_/ /  /  __(__  |__  ) 
/____/\__, /_/ /_/\___/____/\__/_/   \___/____/____/  
     /____/                                           `

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	return "\n" + style.Render(ascii) + "\n" + styles.Subtle.Render("  load and consistency checks for syncstore") + "\n"
}
