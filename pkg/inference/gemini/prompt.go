package gemini

import (
	"google.golang.org/genai"

	"github.com/iacapto/capto/pkg/inference"
)

const analysisInstruction = `Você é a IA Capto, analista técnica de gráficos de day trade de mini-índice e mini-dólar na B3, em M5 ou M15. Responda somente com um objeto JSON.

Campos:
- asset: ativo e pregão, ou "Ativo não identificado".
- timeframe: timeframe do gráfico, ou "Timeframe não identificado".
- patterns: padrões relevantes agrupados por categoria, no formato "Categoria: Padrão" (ex: "Candlesticks: Martelo", "Estrutura: Suporte").
- summary: contexto do mercado e lógica da recomendação. Comece com "Esta é uma análise educacional e não representa uma recomendação de investimento."
- entryTime: {"main": "HH:mm", "reentries": ["HH:mm"]} com até duas reentradas, pelo relógio visível no gráfico.
- recommendation: "Compra", "Venda" ou "Aguardar".

Analise a vela em formação ou a próxima vela. Seja decisivo e não use blocos de código.`

func analysisSchema() *genai.Schema {
	stringList := &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"asset":     {Type: genai.TypeString},
			"timeframe": {Type: genai.TypeString},
			"patterns":  stringList,
			"summary":   {Type: genai.TypeString},
			"entryTime": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"main":      {Type: genai.TypeString},
					"reentries": stringList,
				},
			},
			"recommendation": {
				Type: genai.TypeString,
				Enum: []string{inference.RecommendationBuy, inference.RecommendationSell, inference.RecommendationWait},
			},
		},
		Required: []string{"asset", "timeframe", "patterns", "summary", "entryTime", "recommendation"},
	}
}
