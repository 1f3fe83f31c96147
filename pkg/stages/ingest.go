package stages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/agendaterritorial/agenda/pkg/engine"
)

// BCRPSeriesURL is the terms-of-trade series fetched when the bcrp source
// is automatic and names no URL.
const BCRPSeriesURL = "https://estadisticas.bcrp.gob.pe/estadisticas/series/api/PM04863AA/json"

// dataset is one raw input and where it is published.
type dataset struct {
	name     string
	flag     string
	defaults []string
	notes    string

	// filename renames files downloaded from the default URLs.
	filename string
}

var datasets = []dataset{
	{
		name: "pib_subnacional",
		defaults: []string{
			"https://www.inei.gob.pe/media/MenuRecursivo/indices_tematicos/pbi_peru_15.xlsx",
		},
		notes: "pib subnacional raw",
	},
	{
		name: "ubigeo",
		defaults: []string{
			"https://www.datosabiertos.gob.pe/sites/default/files/UBIGEO%202022_1891%20distritos.xlsx",
			"https://www.datosabiertos.gob.pe/sites/default/files/Data_Muestra_ubigeos.csv",
		},
		notes: "ubigeo raw",
	},
	{
		name: "limites",
		flag: "enable_geo",
		defaults: []string{
			"https://www.datosabiertos.gob.pe/sites/default/files/DISTRITOS_LIMITES.zip",
			"https://www.datosabiertos.gob.pe/sites/default/files/DEPARTAMENTOS_LIMITES.zip",
		},
		notes: "limites raw",
	},
	{
		name: "poblacion",
		defaults: []string{
			"https://data.worldpop.org/GIS/Population/Global_2000_2020/PopTablesSum/PER/PER_2000_20_L2_Pop_WPGP.csv",
		},
		notes: "poblacion raw",
	},
	{
		name:  "ntl",
		flag:  "enable_ntl",
		notes: "ntl raw",
	},
	{
		name: "transporte",
		flag: "enable_transporte",
		defaults: []string{
			"https://portal.mtc.gob.pe/transportes/caminos/normas_carreteras/Info_espacial/2019/RVN_Eje.zip",
			"https://portal.mtc.gob.pe/transportes/caminos/normas_carreteras/Info_espacial/2019/RVD_Eje.zip",
			"https://portal.mtc.gob.pe/transportes/caminos/normas_carreteras/Info_espacial/2019/RVV_Eje.zip",
		},
		notes: "transporte raw",
	},
	{
		name: "mineria",
		flag: "enable_mineria",
		defaults: []string{
			"https://www.datosabiertos.gob.pe/sites/default/files/1_Directorio_de_Empresas_Mineras.xlsx",
		},
		notes: "mineria raw",
	},
	{
		name: "bosques",
		flag: "enable_bosques",
		defaults: []string{
			"https://www.datosabiertos.gob.pe/sites/default/files/3a%20Dataset%20Bosques_V2.0.csv",
		},
		notes: "bosques raw",
	},
	{
		name: "clima",
		flag: "enable_clima",
		defaults: []string{
			"https://www.cpc.ncep.noaa.gov/data/indices/oni.ascii.txt",
		},
		notes: "clima raw",
	},
	{
		name:     "bcrp",
		flag:     "enable_shocks_macro",
		defaults: []string{BCRPSeriesURL},
		notes:    "bcrp terms of trade series",
		filename: "bcrp_tot.json",
	},
}

func ingestDefinitions(d Deps) []engine.StageDefinition {
	defs := make([]engine.StageDefinition, 0, len(datasets))
	for _, ds := range datasets {
		defs = append(defs, engine.StageDefinition{
			Name:    "ingest." + ds.name,
			Flag:    ds.flag,
			Produce: d.ingest(ds),
		})
	}
	return defs
}

// ingest copies or downloads one raw source into raw/<name>. In a full or
// group run an unconfigured source is skipped; targeted by name it fails.
func (d Deps) ingest(ds dataset) engine.Producer {
	return func(ctx context.Context, sc *engine.StageContext) ([]string, error) {
		src := d.Config.Ingest.Source(ds.name)
		if !src.Configured(ds.defaults) && !sc.Explicit {
			sc.Logger.WithField("dataset", ds.name).Infof("skip %s ingest: no source configured", ds.name)
			return nil, nil
		}

		res, err := d.Resolver.ResolveSource(ctx, src, d.rawDir(ds.name), ds.defaults)
		if err != nil {
			return nil, err
		}

		path := res.Path
		if ds.filename != "" && res.Downloaded && src.URL == "" && len(src.FallbackURLs) == 0 {
			renamed := filepath.Join(filepath.Dir(path), ds.filename)
			if renamed != path {
				if err := os.Rename(path, renamed); err != nil {
					return nil, err
				}
				path = renamed
			}
		}

		err = sc.Register(ctx, engine.ArtifactRecord{
			Path:    path,
			Source:  res.Origin,
			Version: optional(src.Version),
			Notes:   optional(ds.notes),
		})
		if err != nil {
			return nil, err
		}
		sc.Logger.WithFields(map[string]interface{}{
			"dataset":    ds.name,
			"path":       path,
			"origin":     res.Origin,
			"downloaded": res.Downloaded,
		}).Info("source ingested")
		return []string{path}, nil
	}
}
